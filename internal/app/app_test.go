package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svcron/internal/config"
	"svcron/internal/crontab"
	"svcron/internal/eventbus"
	"svcron/internal/executor"
	"svcron/internal/identity"
	"svcron/internal/lockfile"
	"svcron/internal/storage"
	"svcron/pkg/logx"
)

func TestEffectiveLayersFlagsOverFile(t *testing.T) {
	t.Parallel()
	file := config.Default()
	file.Mail.Mailer = "/usr/sbin/sendmail -t"
	file.History = &config.HistoryConfig{Driver: "file", Path: "/tmp/x"}

	got := Options{CronDir: "/srv/cron", Mailer: "/bin/mail %s", Verbose: true}.effective(file)
	assert.Equal(t, "/srv/cron", got.Daemon.CronDir)
	assert.Equal(t, "/bin/mail %s", got.Mail.Mailer)
	assert.Equal(t, "debug", got.Logging.Level)

	assert.Equal(t, "/usr/sbin/sendmail -t", file.Mail.Mailer, "input untouched")
	assert.Equal(t, "info", file.Logging.Level)
	got.History.Path = "/elsewhere"
	assert.Equal(t, "/tmp/x", file.History.Path)

	same := Options{}.effective(file)
	assert.Equal(t, file, same)
}

func TestMapStoreOptions(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Daemon.SpoolDir = "/var/spool/x"
	cfg.Daemon.SystemCrontab = "/etc/x/crontab"
	base := crontab.Env{"A=1"}

	opts := mapStoreOptions(cfg, base)
	assert.False(t, opts.Override)
	assert.Equal(t, "/var/spool/x", opts.SpoolDir)
	assert.Equal(t, "/etc/x/crontab", opts.SystemCrontab)
	assert.Equal(t, base, opts.BaseEnv)

	cfg.Daemon.CronDir = "/home/me/cron"
	opts = mapStoreOptions(cfg, nil)
	assert.True(t, opts.Override)
	assert.Equal(t, "/home/me/cron", opts.SpoolDir)
	assert.Empty(t, opts.SystemCrontab)
}

func TestMapLockOptions(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	assert.Equal(t, lockfile.Options{}, mapLockOptions(cfg))

	cfg.Daemon.PidDir = "/run/user/1000"
	cfg.Daemon.CronDir = "/srv/cron"
	opts := mapLockOptions(cfg)
	assert.Equal(t, []string{"/run/user/1000"}, opts.RunDirs)
	assert.Equal(t, "/srv/cron", opts.SpoolOverride)
}

func TestCatchUpPause(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	assert.Equal(t, config.DefaultCatchUpPause, catchUpPause(cfg))
	cfg.Scheduler.CatchUpPause = "2s"
	assert.Equal(t, 2*time.Second, catchUpPause(cfg))
	cfg.Scheduler.CatchUpPause = "0s"
	assert.Equal(t, time.Duration(-1), catchUpPause(cfg))
}

func TestLoadBaseEnv(t *testing.T) {
	t.Parallel()
	env, err := loadBaseEnv("")
	require.NoError(t, err)
	assert.Nil(t, env)

	p := filepath.Join(t.TempDir(), "env")
	require.NoError(t, os.WriteFile(p, []byte("# defaults\nTZ=UTC\nMAILTO=ops@example.org\nPATH=/usr/local/bin:/usr/bin:/bin\n"), 0o644))
	env, err = loadBaseEnv(p)
	require.NoError(t, err)
	assert.Equal(t, crontab.Env{"MAILTO=ops@example.org", "PATH=/usr/local/bin:/usr/bin:/bin", "TZ=UTC"}, env)

	_, err = loadBaseEnv(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestValidateChecksEffectiveConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := Options{}
	require.NoError(t, opts.validate(ctx, config.Default()))
	require.Error(t, opts.validate(ctx, nil))

	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.env")
	cfg := config.Default()
	cfg.EnvFile = missing
	cfg.Scheduler.CatchUpPause = "soon"
	err := opts.validate(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env_file")
	assert.Contains(t, err.Error(), "scheduler.catchup_pause")

	body, err := json.Marshal(map[string]any{"env_file": missing})
	require.NoError(t, err)
	path := filepath.Join(dir, "svcron.json")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	m := config.NewManager(path)
	m.SetValidator(opts.validate)
	_, err = m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env_file")

	require.NoError(t, os.WriteFile(missing, []byte("TZ=UTC\n"), 0o644))
	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, missing, got.EnvFile)
}

func TestWatchSchedulesLogsChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logs := &lockedBuffer{}
	log := logx.NewWriter(logs, "debug")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchSchedules(ctx, []string{dir, filepath.Join(dir, "absent")}, log) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "alice"), []byte("* * * * * true\n"), 0o600)
		return strings.Contains(logs.String(), "schedule change noticed")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	require.NoError(t, watchSchedules(context.Background(), []string{filepath.Join(dir, "absent")}, logx.Nop()))
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.History = &config.HistoryConfig{Driver: "SQLite", Path: "/var/lib/h.db"}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "/var/lib/h.db", BusyTimeout: time.Second}, sc)

	cfg.History = &config.HistoryConfig{Driver: "sqlite"}
	_, _, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestRunRecord(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	res := executor.Result{
		RunID: "r1", User: "alice", Cmd: "true", PID: 77,
		Start: start, End: start.Add(time.Second),
		ExitCode: 1, OutputBytes: 12, Mailed: true,
		Err: errors.New("boom"),
	}
	rec, ok := runRecord(eventbus.Event{Type: eventbus.TypeJobFinished, Data: res})
	require.True(t, ok)
	assert.Equal(t, storage.RunRecord{
		ID: "r1", User: "alice", Command: "true", PID: 77,
		Start: start, End: start.Add(time.Second),
		ExitCode: 1, OutputBytes: 12, Mailed: true, Error: "boom",
	}, rec)

	_, ok = runRecord(eventbus.Event{Type: eventbus.TypeJobStarted, Data: res})
	assert.False(t, ok)
	_, ok = runRecord(eventbus.Event{Type: eventbus.TypeJobFinished, Data: "x"})
	assert.False(t, ok)
}

// TestRunStartsRebootJobsAndShutsDown drives the whole daemon against a
// private schedule directory: the @reboot entry runs, its run is recorded,
// and the PID file is gone after shutdown.
func TestRunStartsRebootJobsAndShutsDown(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)
	if _, err := (identity.System{}).Lookup(me.Username); err != nil {
		t.Skipf("current user not resolvable: %v", err)
	}

	root := t.TempDir()
	cronDir := filepath.Join(root, "crontabs")
	pidDir := filepath.Join(root, "run")
	home := filepath.Join(root, "home")
	for _, d := range []string{cronDir, pidDir, home} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	marker := filepath.Join(root, "rebooted")
	tab := "HOME=" + home + "\n@reboot echo up > " + marker + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(cronDir, me.Username), []byte(tab), 0o600))

	logPath := filepath.Join(root, "svcron.log")
	historyPath := filepath.Join(root, "history.jsonl")
	cfgBody, err := json.Marshal(map[string]any{
		"daemon":  map[string]any{"crondir": cronDir, "pid_dir": pidDir, "shutdown_timeout": "5s"},
		"logging": map[string]any{"level": "info", "console": false, "file": map[string]any{"enabled": true, "path": logPath}},
		"history": map[string]any{"driver": "file", "path": historyPath},
	})
	require.NoError(t, err)
	cfgPath := filepath.Join(root, "svcron.json")
	require.NoError(t, os.WriteFile(cfgPath, cfgBody, 0o644))

	a, err := New(Options{ConfigPath: cfgPath, Verbose: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Close())

	out, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "up\n", string(out))

	_, err = os.Stat(lockfile.Path(a.lockOpt))
	assert.ErrorIs(t, err, os.ErrNotExist)

	st, err := storage.Open(storage.Config{Driver: "file", Path: historyPath}, a.log)
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, me.Username, runs[0].User)
	assert.Equal(t, 0, runs[0].ExitCode)

	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logs), `"event":"STARTUP"`)
	assert.Contains(t, string(logs), `"event":"CMD"`)
	assert.Contains(t, string(logs), `"event":"SHUTDOWN"`)
}
