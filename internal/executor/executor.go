package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"svcron/internal/crontab"
	"svcron/internal/eventbus"
	"svcron/internal/identity"
	"svcron/internal/notifier"
	"svcron/internal/reaper"
	"svcron/internal/runtime/supervisor"
	"svcron/internal/scheduler"
	"svcron/pkg/logx"
)

type Options struct {
	// DropPrivileges runs jobs with the owner's credentials. The daemon must
	// be root for this to work.
	DropPrivileges bool
}

// Result describes one finished run.
type Result struct {
	RunID string
	User  string
	Cmd   string
	PID   int
	Start time.Time
	End   time.Time

	// ExitCode is -1 when the child did not exit normally.
	ExitCode int
	Signal   int

	OutputBytes int64
	Mailed      bool
	MailStatus  int

	Err error
}

// Executor starts job runners. Each runner owns its child, its pipes and
// its mail command; none of them touch the schedule database.
type Executor struct {
	sup    *supervisor.Supervisor
	mail   *notifier.Service
	reaper *reaper.Reaper
	bus    eventbus.Bus
	log    logx.Logger
	opts   Options
	now    func() time.Time
}

func New(sup *supervisor.Supervisor, mail *notifier.Service, rp *reaper.Reaper, bus eventbus.Bus, opts Options, log logx.Logger) *Executor {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if rp == nil {
		rp = reaper.New(nil, log)
	}
	return &Executor{sup: sup, mail: mail, reaper: rp, bus: bus, log: log, opts: opts, now: time.Now}
}

// Dispatch starts a runner for job and returns at once.
func (x *Executor) Dispatch(ctx context.Context, job scheduler.Job) {
	if job.Entry == nil || job.Entry.Owner == nil {
		return
	}
	name := "job:" + job.Entry.Owner.Name
	x.sup.Go0(name, func(context.Context) {
		// Runners outlive a shutdown request; only scheduling stops.
		x.run(context.WithoutCancel(ctx), job.Entry)
	})
}

func (x *Executor) run(ctx context.Context, e *crontab.Entry) Result {
	owner := e.Owner
	res := Result{
		RunID:    uuid.NewString(),
		User:     owner.Name,
		Cmd:      e.Cmd,
		Start:    x.now(),
		ExitCode: -1,
	}
	defer func() {
		res.End = x.now()
		x.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: res.End, Data: res})
	}()

	command, input := SplitCommand(e.Cmd)
	cmd, stdin, out, err := x.prepare(e, command, input)
	if err != nil {
		res.Err = err
		logx.Event(x.log, owner.Name, 0, "ERROR", "can't run ("+Printable(command)+")", err)
		return res
	}
	if err := cmd.Start(); err != nil {
		_ = out.r.Close()
		_ = out.w.Close()
		res.Err = err
		logx.Event(x.log, owner.Name, 0, "ERROR", "can't exec ("+Printable(command)+")", err)
		return res
	}
	// The child holds its own copy of the write end; EOF arrives once it
	// and everything it started have closed their output.
	_ = out.w.Close()
	res.PID = cmd.Process.Pid

	if !e.Flags.Has(crontab.DontLog) {
		logx.Event(x.log, owner.Name, res.PID, "CMD", "("+Printable(command)+")", nil)
	}
	x.reaper.Track(res.RunID, reaper.IdentChild, owner.Name, res.PID)
	x.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Time: res.Start, Data: res})

	var writer sync.WaitGroup
	if stdin != nil {
		writer.Add(1)
		go func() {
			defer writer.Done()
			_, _ = io.WriteString(stdin, input)
			_ = stdin.Close()
		}()
	}

	mailErr := x.collect(ctx, e, command, out.r, &res)
	_ = out.r.Close()

	writer.Wait()
	waitErr := cmd.Wait()
	state := cmd.ProcessState
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	if state != nil {
		res.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = int(ws.Signal())
		}
	}
	if mailErr != nil {
		logx.Event(x.log, owner.Name, res.PID, "MAIL",
			fmt.Sprintf("discarded %d byte%s of output, exit status %d", res.OutputBytes, plural(res.OutputBytes), res.ExitCode), mailErr)
	}
	x.reaper.Done(reaper.Exit{
		RunID: res.RunID,
		Ident: reaper.IdentChild,
		User:  owner.Name,
		PID:   res.PID,
		State: state,
		Err:   res.Err,
	})
	return res
}

type pipe struct{ r, w *os.File }

func (x *Executor) prepare(e *crontab.Entry, command, input string) (*exec.Cmd, io.WriteCloser, pipe, error) {
	shell, _ := e.Env.Get("SHELL")
	if shell == "" {
		shell = e.Owner.Shell
	}
	if shell == "" {
		shell = identity.DefaultShell
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Env = e.Env.Clone()
	if home, ok := e.Env.Get("HOME"); ok && home != "" {
		cmd.Dir = home
	}
	attr := &syscall.SysProcAttr{Setsid: true}
	if x.opts.DropPrivileges {
		attr.Credential = notifier.Credential(e.Owner)
	}
	cmd.SysProcAttr = attr

	var stdin io.WriteCloser
	if input != "" {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, nil, pipe{}, err
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, pipe{}, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd, stdin, pipe{r: r, w: w}, nil
}

// collect drains the job's output. Mail is only opened once the first byte
// shows up; without a mail command the output is read and thrown away.
// The returned error is the reason mail could not be started, if any.
func (x *Executor) collect(ctx context.Context, e *crontab.Entry, command string, r io.Reader, res *Result) error {
	var first [1]byte
	if n, _ := io.ReadFull(r, first[:]); n == 0 {
		return nil
	}

	var sink io.Writer = io.Discard
	var d *notifier.Delivery
	var openErr error
	if x.mail != nil {
		d, openErr = x.mail.Open(ctx, notifier.Message{
			Owner:   e.Owner,
			Env:     e.Env,
			Command: command,
			Date:    x.now(),
		})
		switch {
		case openErr != nil:
			d = nil
		case d != nil:
			sink = d
			res.Mailed = true
			x.reaper.Track(res.RunID, reaper.IdentMail, e.Owner.Name, d.PID())
		}
	}

	_, _ = sink.Write(first[:])
	copied, _ := io.Copy(sink, r)
	res.OutputBytes = 1 + copied

	if d == nil {
		return openErr
	}
	status, state, err := d.Close()
	res.MailStatus = status
	x.reaper.Done(reaper.Exit{
		RunID: res.RunID,
		Ident: reaper.IdentMail,
		User:  e.Owner.Name,
		PID:   d.PID(),
		State: state,
		Err:   err,
	})
	if status != 0 || err != nil {
		logx.Event(x.log, e.Owner.Name, d.PID(), "MAIL",
			fmt.Sprintf("mailed %d byte%s of output but got status 0x%04x", res.OutputBytes, plural(res.OutputBytes), status), err)
	}
	return nil
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}
