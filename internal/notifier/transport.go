package notifier

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"svcron/internal/identity"
)

// Conn is an open mail command.
type Conn interface {
	io.Writer
	PID() int
	// Finish closes the message and waits for the command. status is the
	// exit code, or 1 when the command did not exit normally.
	Finish() (status int, state *os.ProcessState, err error)
}

// Transport starts mail commands.
type Transport interface {
	Open(argv []string, owner *identity.User) (Conn, error)
}

// ExecTransport runs the mail command as a child process reading the message
// on its standard input.
type ExecTransport struct {
	// DropPrivileges runs the command with the owner's credentials. Only
	// root can do this.
	DropPrivileges bool
}

func (t ExecTransport) Open(argv []string, owner *identity.User) (Conn, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty mail command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if t.DropPrivileges && owner != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: Credential(owner)}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return &execConn{cmd: cmd, stdin: stdin}, nil
}

// Credential builds the identity a child process runs with.
func Credential(u *identity.User) *syscall.Credential {
	return &syscall.Credential{Uid: u.UID, Gid: u.GID, Groups: u.Groups}
}

type execConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (c *execConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *execConn) PID() int { return c.cmd.Process.Pid }

func (c *execConn) Finish() (int, *os.ProcessState, error) {
	_ = c.stdin.Close()
	err := c.cmd.Wait()
	state := c.cmd.ProcessState
	if state == nil {
		return 1, nil, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 1, state, err
	}
	if code := state.ExitCode(); code >= 0 {
		return code, state, nil
	}
	return 1, state, nil
}
