package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished job. Keep it compact and schema-stable.
type RunRecord struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	Command     string    `json:"command"`
	PID         int       `json:"pid"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ExitCode    int       `json:"exit_code"`
	Signal      int       `json:"signal,omitempty"`
	OutputBytes int64     `json:"output_bytes"`
	Mailed      bool      `json:"mailed"`
	Error       string    `json:"error,omitempty"`
}
