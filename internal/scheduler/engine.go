package scheduler

import (
	"context"
	"time"

	"svcron/internal/database"
	"svcron/pkg/logx"
)

// DefaultCatchUpPause is slept between catch-up minutes that dispatched work.
const DefaultCatchUpPause = 10 * time.Second

// Dispatcher starts a job and returns without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, job Job)

func (f DispatchFunc) Dispatch(ctx context.Context, job Job) { f(ctx, job) }

// Engine turns wake-ups into dispatched jobs. It owns the TimeKeeper and the
// queue and must be driven from a single goroutine.
type Engine struct {
	tk       *TimeKeeper
	queue    *Queue
	dispatch Dispatcher
	pause    time.Duration
	log      logx.Logger

	db *database.Database
}

type EngineOptions struct {
	// CatchUpPause defaults to DefaultCatchUpPause; a negative value
	// disables it.
	CatchUpPause time.Duration
}

func NewEngine(tk *TimeKeeper, d Dispatcher, opts EngineOptions, log logx.Logger) *Engine {
	pause := opts.CatchUpPause
	if pause == 0 {
		pause = DefaultCatchUpPause
	}
	return &Engine{
		tk:       tk,
		queue:    NewQueue(),
		dispatch: d,
		pause:    pause,
		log:      log,
		db:       database.New(),
	}
}

func (e *Engine) TimeKeeper() *TimeKeeper { return e.tk }

// SetDatabase swaps in a freshly reloaded database.
func (e *Engine) SetDatabase(db *database.Database) {
	if db == nil {
		db = database.New()
	}
	e.db = db
}

func (e *Engine) SetCatchUpPause(d time.Duration) {
	if d == 0 {
		d = DefaultCatchUpPause
	}
	e.pause = d
}

// Start samples the clock, runs the @reboot entries and aligns running and
// virtual time with the wall clock.
func (e *Engine) Start(ctx context.Context) int {
	e.tk.Sample(true)
	RebootJobs(e.db, e.queue)
	n := e.Drain(ctx)
	e.tk.Sync()
	return n
}

// Drain dispatches everything queued and reports how many jobs it started.
func (e *Engine) Drain(ctx context.Context) int {
	return e.queue.Drain(func(j Job) { e.dispatch.Dispatch(ctx, j) })
}

// Wait sleeps until the wall clock enters a new minute and returns the
// difference between wall and virtual time.
func (e *Engine) Wait(ctx context.Context) (int64, error) {
	return e.tk.Await(ctx)
}

// Run selects and dispatches the jobs owed for a wake-up that was diff
// minutes away from virtual time.
func (e *Engine) Run(ctx context.Context, diff int64) error {
	tk := e.tk
	kind := Classify(diff)
	if kind != WakeNormal {
		e.log.Debug("time jump",
			logx.String("kind", kind.String()),
			logx.Int64("minutes", diff),
			logx.Int64("virtual", tk.virtual),
			logx.Int64("running", tk.running),
		)
	}

	switch kind {
	case WakeNormal:
		tk.virtual = tk.running
		FindJobs(tk.virtual, e.db, true, true, e.queue)

	case WakeSmall:
		// Woke up late: run each missed minute in turn.
		for {
			if err := e.catchUp(ctx); err != nil {
				return err
			}
			tk.virtual++
			FindJobs(tk.virtual, e.db, true, true, e.queue)
			if tk.virtual >= tk.running {
				break
			}
		}

	case WakeMedium:
		// Typically DST starting. Wildcard entries run once for the current
		// minute; fixed-time entries get every skipped minute, until the
		// wall clock moves on and the main loop needs to come around again.
		FindJobs(tk.running, e.db, true, false, e.queue)
		for {
			if err := e.catchUp(ctx); err != nil {
				return err
			}
			tk.virtual++
			FindJobs(tk.virtual, e.db, false, true, e.queue)
			tk.Sample(false)
			if !(tk.virtual < tk.running && tk.wall == tk.running) {
				break
			}
		}

	case WakeNegative:
		// Typically DST ending. Fixed-time entries already ran for these
		// minutes; virtual time waits for the clock to catch up.
		FindJobs(tk.running, e.db, true, false, e.queue)

	default:
		tk.virtual = tk.running
		FindJobs(tk.running, e.db, true, true, e.queue)
	}

	e.Drain(ctx)
	return nil
}

// catchUp drains the queue and, when that started anything, pauses so that a
// long backlog does not start all at once.
func (e *Engine) catchUp(ctx context.Context) error {
	if e.Drain(ctx) == 0 || e.pause <= 0 {
		return nil
	}
	return e.tk.clock.Sleep(ctx, e.pause, nil)
}
