package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config is the daemon configuration file. Every section is optional; the
// values from Default apply to whatever the file leaves out.
type Config struct {
	Daemon    DaemonConfig    `json:"daemon"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Mail      MailConfig      `json:"mail"`
	Logging   LoggingConfig   `json:"logging"`

	// History is nil when run history is not recorded.
	History *HistoryConfig `json:"history,omitempty"`

	// EnvFile is a dotenv file whose variables seed every job's environment.
	EnvFile string `json:"env_file,omitempty"`
}

// DaemonConfig holds locations and lifecycle settings. Changes need a
// restart.
type DaemonConfig struct {
	// CronDir relocates the schedule directory and switches off the system
	// crontab locations, like the -d flag.
	CronDir string `json:"crondir,omitempty"`

	SpoolDir      string `json:"spool_dir,omitempty"`
	SystemCrontab string `json:"system_crontab,omitempty"`
	SystemCronD   string `json:"system_crond,omitempty"`
	PidDir        string `json:"pid_dir,omitempty"`

	// ShutdownTimeout bounds how long shutdown waits for running jobs.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type SchedulerConfig struct {
	// CatchUpPause is slept after a catch-up pass that ran jobs.
	CatchUpPause string `json:"catchup_pause,omitempty"`
}

// MailConfig controls how job output is mailed.
//
//	"mail": { "mailer": "/usr/sbin/sendmail -oi -t %s", "date_header": true }
type MailConfig struct {
	Mailer     string  `json:"mailer,omitempty"`
	DateHeader bool    `json:"date_header"`
	FromUser   bool    `json:"from_user,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig selects the run history store.
//
// Driver values are "file" (jsonl), "sqlite" and "none".
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultCatchUpPause    = 10 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShutdownTimeout: DefaultShutdownTimeout.String(),
		},
		Scheduler: SchedulerConfig{
			CatchUpPause: DefaultCatchUpPause.String(),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, err := ParseDurationOrDefault("daemon.shutdown_timeout", c.Daemon.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return DefaultShutdownTimeout
	}
	return d
}

// CatchUpPause returns the configured pause. An explicit "0s" disables it.
func (c *Config) CatchUpPause() time.Duration {
	if strings.TrimSpace(c.Scheduler.CatchUpPause) == "" {
		return DefaultCatchUpPause
	}
	d, err := ParseDurationField("scheduler.catchup_pause", c.Scheduler.CatchUpPause)
	if err != nil {
		return DefaultCatchUpPause
	}
	return d
}

// Validate checks the values the JSON decoder cannot.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var result *multierror.Error
	if _, err := ParseDurationField("daemon.shutdown_timeout", c.Daemon.ShutdownTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseDurationField("scheduler.catchup_pause", c.Scheduler.CatchUpPause); err != nil {
		result = multierror.Append(result, err)
	}
	if n := strings.Count(c.Mail.Mailer, "%s"); n > 1 {
		result = multierror.Append(result, fmt.Errorf("mail.mailer: %d recipient placeholders, at most one allowed", n))
	}
	if c.Mail.RatePerSec < 0 {
		result = multierror.Append(result, errors.New("mail.rate_per_sec: must be >= 0"))
	}
	if h := c.History; h != nil {
		switch strings.ToLower(strings.TrimSpace(h.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(h.Path) == "" {
				result = multierror.Append(result, errors.New("history.path: required"))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("history.driver: unknown driver %q", h.Driver))
		}
		if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
