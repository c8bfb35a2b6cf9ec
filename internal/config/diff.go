package config

import (
	"hash/fnv"
	"sort"
	"strings"

	"svcron/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"daemon":   true,
	"history":  true,
	"env_file": true,
}

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. The mail command itself is
// not logged, only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Daemon != newCfg.Daemon {
		changed = append(changed, "daemon")
		attrs = append(attrs,
			logx.String("daemon.crondir", newCfg.Daemon.CronDir),
			logx.String("daemon.pid_dir", newCfg.Daemon.PidDir),
			logx.String("daemon.shutdown_timeout", strings.TrimSpace(newCfg.Daemon.ShutdownTimeout)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.CatchUpPause) != strings.TrimSpace(newCfg.Scheduler.CatchUpPause) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.catchup_pause", strings.TrimSpace(newCfg.Scheduler.CatchUpPause)))
	}

	if oldCfg.Mail != newCfg.Mail {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.Bool("mail.mailer_set", strings.TrimSpace(newCfg.Mail.Mailer) != ""),
			logx.Bool("mail.date_header", newCfg.Mail.DateHeader),
			logx.Bool("mail.from_user", newCfg.Mail.FromUser),
			logx.Any("mail.rate_per_sec", newCfg.Mail.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oh, nh HistoryConfig
	if oldCfg.History != nil {
		oh = *oldCfg.History
	}
	if newCfg.History != nil {
		nh = *newCfg.History
	}
	if oh != nh {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(nh.Driver)),
			logx.Bool("history.path_set", strings.TrimSpace(nh.Path) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.EnvFile) != strings.TrimSpace(newCfg.EnvFile) {
		changed = append(changed, "env_file")
		attrs = append(attrs, logx.String("env_file", strings.TrimSpace(newCfg.EnvFile)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports which of the changed sections cannot be applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
