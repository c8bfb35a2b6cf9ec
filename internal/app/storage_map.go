package app

import (
	"fmt"
	"strings"
	"time"

	"svcron/internal/config"
	"svcron/internal/eventbus"
	"svcron/internal/executor"
	"svcron/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.History == nil {
		return storage.Config{}, false, nil
	}
	hc := cfg.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(hc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown history.driver: %s", hc.Driver)
	}
}

// runRecord keeps job.finished events and turns them into history rows.
func runRecord(ev eventbus.Event) (storage.RunRecord, bool) {
	if ev.Type != eventbus.TypeJobFinished {
		return storage.RunRecord{}, false
	}
	res, ok := ev.Data.(executor.Result)
	if !ok {
		return storage.RunRecord{}, false
	}
	rec := storage.RunRecord{
		ID:          res.RunID,
		User:        res.User,
		Command:     res.Cmd,
		PID:         res.PID,
		Start:       res.Start,
		End:         res.End,
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		OutputBytes: res.OutputBytes,
		Mailed:      res.Mailed,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec, true
}
