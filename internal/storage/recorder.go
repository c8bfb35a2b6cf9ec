package storage

import (
	"context"
	"time"

	"svcron/internal/eventbus"
	"svcron/pkg/logx"
)

// Recorder writes finished runs from the event bus into a Store.
type Recorder struct {
	store   Store
	convert func(eventbus.Event) (RunRecord, bool)
	log     logx.Logger
}

// NewRecorder returns a recorder. convert picks the events to keep and turns
// them into records.
func NewRecorder(store Store, convert func(eventbus.Event) (RunRecord, bool), log logx.Logger) *Recorder {
	return &Recorder{store: store, convert: convert, log: log}
}

// Run consumes events until ctx is done or the channel closes.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

// drain stores whatever is already buffered so the last runs before a
// shutdown are not lost.
func (r *Recorder) drain(events <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	rec, ok := r.convert(ev)
	if !ok {
		return
	}
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.log.Warn("history append failed", logx.String("id", rec.ID), logx.Err(err))
	}
}
