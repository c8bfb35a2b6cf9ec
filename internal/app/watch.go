package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"svcron/pkg/logx"
)

var errWatchClosed = errors.New("schedule watcher closed")

// watchSchedules logs changes to the schedule locations at debug level.
// Reloading does not depend on it: the loop checks modification times every
// minute. Missing directories are skipped. A broken watcher is reported as an
// error so the supervisor can start a fresh one.
func watchSchedules(ctx context.Context, dirs []string, log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schedule watch: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, d := range dirs {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			continue
		}
		if err := w.Add(d); err != nil {
			log.Debug("schedule watch add failed", logx.String("dir", d), logx.Err(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatchClosed
			}
			log.Debug("schedule change noticed; picked up on the next minute",
				logx.String("path", ev.Name),
				logx.String("op", ev.Op.String()),
			)
		case err, ok := <-w.Errors:
			if !ok {
				return errWatchClosed
			}
			return fmt.Errorf("schedule watch: %w", err)
		}
	}
}
