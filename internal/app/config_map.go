package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"svcron/internal/config"
	"svcron/internal/crontab"
	"svcron/internal/database"
	"svcron/internal/lockfile"
	"svcron/internal/notifier"
	"svcron/pkg/logx"
)

// Options are the command-line settings. They win over the config file.
type Options struct {
	ConfigPath string
	// CronDir is -d: an alternate schedule directory. The system crontab
	// locations are ignored when it is set.
	CronDir string
	// Mailer is -M: the mail command template.
	Mailer string
	// Verbose is -v: debug logging, including child exit statuses.
	Verbose bool
}

// effective layers the command line over a loaded config. cfg is not
// modified.
func (o Options) effective(cfg *config.Config) *config.Config {
	out := *cfg
	if cfg.History != nil {
		h := *cfg.History
		out.History = &h
	}
	if o.CronDir != "" {
		out.Daemon.CronDir = o.CronDir
	}
	if o.Mailer != "" {
		out.Mail.Mailer = o.Mailer
	}
	if o.Verbose {
		out.Logging.Level = "debug"
	}
	return &out
}

// validate runs on every loaded or reloaded file. Beyond config.Validate it
// checks what only the daemon can: the history store mapping of the
// effective config and that the env file is readable.
func (o Options) validate(_ context.Context, fileCfg *config.Config) error {
	if fileCfg == nil {
		return errors.New("config is nil")
	}
	var result *multierror.Error
	if err := config.Validate(fileCfg); err != nil {
		result = multierror.Append(result, err)
	}
	cfg := o.effective(fileCfg)
	if _, _, err := mapStorageConfig(cfg); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := loadBaseEnv(cfg.EnvFile); err != nil {
		result = multierror.Append(result, fmt.Errorf("env_file: %w", err))
	}
	return result.ErrorOrNil()
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapMailConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Mailer:     strings.TrimSpace(cfg.Mail.Mailer),
		DateHeader: cfg.Mail.DateHeader,
		FromUser:   cfg.Mail.FromUser,
		RatePerSec: cfg.Mail.RatePerSec,
	}
}

func mapStoreOptions(cfg *config.Config, baseEnv crontab.Env) database.Options {
	if dir := strings.TrimSpace(cfg.Daemon.CronDir); dir != "" {
		return database.Options{SpoolDir: dir, Override: true, BaseEnv: baseEnv}
	}
	return database.Options{
		SpoolDir:      strings.TrimSpace(cfg.Daemon.SpoolDir),
		SystemCrontab: strings.TrimSpace(cfg.Daemon.SystemCrontab),
		SystemCronD:   strings.TrimSpace(cfg.Daemon.SystemCronD),
		BaseEnv:       baseEnv,
	}
}

func mapLockOptions(cfg *config.Config) lockfile.Options {
	opts := lockfile.Options{SpoolOverride: strings.TrimSpace(cfg.Daemon.CronDir)}
	if dir := strings.TrimSpace(cfg.Daemon.PidDir); dir != "" {
		opts.RunDirs = []string{dir}
	}
	return opts
}

// catchUpPause maps the config value onto the engine's convention, where
// zero means "default" and a negative value switches the pause off.
func catchUpPause(cfg *config.Config) time.Duration {
	if d := cfg.CatchUpPause(); d > 0 {
		return d
	}
	return -1
}

// loadBaseEnv reads the dotenv file whose variables every schedule file
// starts from. Keys are sorted so the result does not depend on map order.
func loadBaseEnv(path string) (crontab.Env, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var env crontab.Env
	for _, k := range keys {
		env = env.Set(k, vars[k])
	}
	return env, nil
}
