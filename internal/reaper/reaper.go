package reaper

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"svcron/pkg/logx"
)

// Process roles, as they appear in status lines.
const (
	IdentChild = "grandchild"
	IdentMail  = "mail"
)

// Exit describes a finished child process.
type Exit struct {
	RunID string
	Ident string
	User  string
	PID   int
	State *os.ProcessState
	// Err is set when the process could not be waited for.
	Err error
	At  time.Time
}

// Status renders the exit the way the status lines print it.
func (x Exit) Status() string {
	if x.State == nil {
		if x.Err != nil {
			return "wait failed: " + x.Err.Error()
		}
		return "unknown status"
	}
	ws, ok := x.State.Sys().(syscall.WaitStatus)
	if !ok {
		return x.State.String()
	}
	switch {
	case ws.Stopped():
		return fmt.Sprintf("stopped by signal %d", int(ws.StopSignal()))
	case ws.Continued():
		return fmt.Sprintf("started by signal %d", int(syscall.SIGCONT))
	case ws.Signaled():
		return fmt.Sprintf("killed by signal %d", int(ws.Signal()))
	default:
		return fmt.Sprintf("normal exit return status %d", ws.ExitStatus())
	}
}

type running struct {
	ident string
	user  string
	pid   int
	since time.Time
}

// Reaper keeps track of the children started by job runners and collects
// their exits for the scheduler loop.
type Reaper struct {
	flags *Flags
	log   logx.Logger

	mu       sync.Mutex
	running  map[string]running
	finished []Exit
}

func New(flags *Flags, log logx.Logger) *Reaper {
	if flags == nil {
		flags = NewFlags()
	}
	return &Reaper{flags: flags, log: log, running: map[string]running{}}
}

// Track records a started child under its run id and role.
func (r *Reaper) Track(runID, ident, user string, pid int) {
	r.mu.Lock()
	r.running[runID+"/"+ident] = running{ident: ident, user: user, pid: pid, since: time.Now()}
	r.mu.Unlock()
}

// Done records a finished child and raises the child flag.
func (r *Reaper) Done(x Exit) {
	if x.At.IsZero() {
		x.At = time.Now()
	}
	r.mu.Lock()
	delete(r.running, x.RunID+"/"+x.Ident)
	r.finished = append(r.finished, x)
	r.mu.Unlock()
	r.flags.SetCHLD()
}

// Running returns how many tracked children have not finished.
func (r *Reaper) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Reap logs and returns every exit collected since the last call.
func (r *Reaper) Reap() []Exit {
	r.mu.Lock()
	out := r.finished
	r.finished = nil
	r.mu.Unlock()

	for _, x := range out {
		r.log.Debug("child status",
			logx.String("ident", x.Ident),
			logx.Int("pid", x.PID),
			logx.String("user", x.User),
			logx.String("status", x.Status()),
		)
	}
	return out
}

// Service clears pending flags and reaps when a child has finished. It is
// meant to be called from the scheduler loop between sleeps.
func (r *Reaper) Service() {
	if r.flags.TakeHUP() {
		r.log.Debug("hangup received; schedules are rechecked every pass")
	}
	if r.flags.TakeCHLD() {
		r.Reap()
	}
}
