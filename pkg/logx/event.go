package logx

import (
	"os"

	"github.com/rs/zerolog"
)

// Program is the name stamped on every event line.
var Program = "svcron"

// Event logs one daemon event in the classic cron shape:
// program, pid, user, event tag, detail and the optional system error.
//
// Events with an error are logged at warn level, everything else at info.
func Event(l Logger, user string, pid int, tag, detail string, err error) {
	if pid <= 0 {
		pid = os.Getpid()
	}
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.WarnLevel
	}
	l.logDepth(3, level, tag,
		String("prog", Program),
		Int("pid", pid),
		String("user", user),
		String("event", tag),
		String("detail", detail),
		Err(err),
	)
}
