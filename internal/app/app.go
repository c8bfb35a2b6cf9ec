package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"svcron/internal/config"
	"svcron/internal/database"
	"svcron/internal/eventbus"
	"svcron/internal/executor"
	"svcron/internal/lockfile"
	"svcron/internal/notifier"
	"svcron/internal/reaper"
	"svcron/internal/runtime/supervisor"
	"svcron/internal/scheduler"
	"svcron/internal/storage"
	"svcron/pkg/logx"
)

// Version is stamped into the STARTUP event.
var Version = "dev"

// App is the daemon: one scheduler loop plus the goroutines that feed it.
type App struct {
	opts Options
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	db      *database.Store
	flags   *reaper.Flags
	reaper  *reaper.Reaper
	mail    *notifier.Service
	lockOpt lockfile.Options

	// pause is the catch-up pause in nanoseconds, updated by config reloads
	// and picked up by the loop between passes.
	pause    atomic.Int64
	lastPass atomic.Int64
}

// New loads the configuration and builds every component that does not need
// a running context.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfgm.SetValidator(opts.validate)
	fileCfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := opts.effective(fileCfg)

	logSvc, log := logx.New(mapLogConfig(cfg))

	baseEnv, err := loadBaseEnv(cfg.EnvFile)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("env_file: %w", err)
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "history")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		store = st
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	flags := reaper.NewFlags()
	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		db:      database.NewStore(mapStoreOptions(cfg, baseEnv), log.With(logx.String("comp", "database"))),
		flags:   flags,
		reaper:  reaper.New(flags, log.With(logx.String("comp", "reaper"))),
		mail:    notifier.New(mapMailConfig(cfg), nil, log.With(logx.String("comp", "mail"))),
		lockOpt: mapLockOptions(cfg),
	}
	a.pause.Store(int64(catchUpPause(cfg)))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return a, nil
}

// Run holds the PID file and drives the scheduler until ctx is cancelled.
// Running jobs are waited for, bounded by daemon.shutdown_timeout, but never
// killed.
func (a *App) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(a.lockOpt)
	if err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			a.log.Warn("pid file release failed", logx.String("path", lock.Path()), logx.Err(rerr))
		}
	}()
	logx.Event(a.log, logx.Program, 0, "STARTUP", Version, nil)
	a.log.Debug("pid file written", logx.String("path", lock.Path()))

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	// Job runners must not see the shutdown; they run to completion.
	jobs := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log.With(logx.String("comp", "jobs"))))

	runner := executor.New(jobs, a.mail, a.reaper, a.bus,
		executor.Options{DropPrivileges: os.Geteuid() == 0},
		a.log.With(logx.String("comp", "executor")))
	tk := scheduler.NewTimeKeeper(scheduler.RealClock(), scheduler.WithInterrupts(a.flags.Wake(), a.reaper.Service))
	engine := scheduler.NewEngine(tk, runner,
		scheduler.EngineOptions{CatchUpPause: time.Duration(a.pause.Load())},
		a.log.With(logx.String("comp", "scheduler")))

	a.lastPass.Store(time.Now().UnixNano())
	a.startBackground(sup)

	db, err := a.db.Reload(ctx, database.New())
	if err != nil {
		_ = a.shutdown(sup, jobs)
		return fmt.Errorf("load schedules: %w", err)
	}
	engine.SetDatabase(db)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeReloaded, Data: db.Len()})

	if n := engine.Start(ctx); n > 0 {
		a.log.Info("reboot jobs started", logx.Int("count", n))
	}
	a.sdNotify(daemon.SdNotifyReady)

	loopErr := a.loop(ctx, engine, db)
	shutdownErr := a.shutdown(sup, jobs)
	if loopErr != nil {
		return loopErr
	}
	return shutdownErr
}

// loop is the scheduler main loop. It only returns on cancellation or when
// the schedule directory cannot be read.
func (a *App) loop(ctx context.Context, engine *scheduler.Engine, db *database.Database) error {
	for {
		a.lastPass.Store(time.Now().UnixNano())

		diff, err := engine.Wait(ctx)
		if err != nil {
			return ignoreCanceled(err)
		}
		engine.SetCatchUpPause(time.Duration(a.pause.Load()))
		if err := engine.Run(ctx, diff); err != nil {
			return ignoreCanceled(err)
		}
		a.reaper.Service()

		next, err := a.db.Reload(ctx, db)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reload schedules: %w", err)
		}
		if next != db {
			db = next
			engine.SetDatabase(db)
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeReloaded, Data: db.Len()})
		}
	}
}

func (a *App) startBackground(sup *supervisor.Supervisor) {
	sup.Go0("signals", a.flags.Forward)

	sup.Go("config.watch", a.cfgm.Watch)
	cfgSub := a.cfgm.Subscribe(8)
	sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(cfgSub)
		a.applyConfigs(ctx, cfgSub)
	})

	sup.GoRestart("spool.watch", func(ctx context.Context) error {
		return watchSchedules(ctx, a.db.WatchPaths(), a.log.With(logx.String("comp", "spool")))
	}, time.Second, time.Minute)

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		sup.Go0("systemd.watchdog", func(ctx context.Context) { a.watchdog(ctx, interval) })
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.store != nil {
		history, unsubHistory := a.bus.Subscribe(256)
		rec := storage.NewRecorder(a.store, runRecord, a.log.With(logx.String("comp", "history")))
		sup.Go("history.record", func(ctx context.Context) error {
			defer unsubHistory()
			return rec.Run(ctx, history)
		})
	}
}

// applyConfigs re-applies live settings from republished config files.
// Location and history changes are logged and wait for a restart.
func (a *App) applyConfigs(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case fileCfg, ok := <-sub:
			if !ok {
				return
			}
			cfg := a.opts.effective(fileCfg)
			sections, attrs := config.SummarizeChange(last, cfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if restart := config.NeedsRestart(sections); len(restart) > 0 {
				a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
			}
			last = cfg

			a.logs.Apply(mapLogConfig(cfg))
			a.mail.Apply(mapMailConfig(cfg))
			a.pause.Store(int64(catchUpPause(cfg)))
		}
	}
}

// watchdog pings systemd while the scheduler loop keeps coming around. A
// loop that has not passed for two minutes stops the pings.
func (a *App) watchdog(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, a.lastPass.Load())
			if time.Since(last) > 2*time.Minute+interval {
				a.log.Warn("scheduler loop stalled; withholding watchdog", logx.Time("last_pass", last))
				continue
			}
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// shutdown waits for job runners, then stops the background goroutines. The
// history recorder is among them, so runs that finish during the wait are
// still recorded.
func (a *App) shutdown(sup, jobs *supervisor.Supervisor) error {
	a.sdNotify(daemon.SdNotifyStopping)
	timeout := a.cfg.ShutdownTimeout()

	var result *multierror.Error
	if running := jobs.Counters().Active; running > 0 {
		a.log.Info("waiting for running jobs",
			logx.Int64("jobs", running),
			logx.Int("processes", a.reaper.Running()),
			logx.Duration("timeout", timeout))
	}
	jctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := jobs.Wait(jctx)
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("jobs still running at shutdown; leaving them",
			logx.Int64("jobs", jobs.Counters().Active),
			logx.Int("processes", a.reaper.Running()))
	case err != nil:
		result = multierror.Append(result, err)
	}
	a.reaper.Reap()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(sctx); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("history: %w", err))
		}
	}
	logx.Event(a.log, logx.Program, 0, "SHUTDOWN", "", nil)
	return result.ErrorOrNil()
}

// Close releases the logging sinks. It is called after Run returns.
func (a *App) Close() error { return a.logs.Close() }

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
