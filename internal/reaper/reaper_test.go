package reaper

import (
	"bytes"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svcron/pkg/logx"
)

func runShell(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	_ = cmd.Run()
	require.NotNil(t, cmd.ProcessState)
	return cmd
}

func TestExitStatus(t *testing.T) {
	t.Parallel()
	ok := runShell(t, "exit 0")
	assert.Equal(t, "normal exit return status 0", Exit{State: ok.ProcessState}.Status())

	failed := runShell(t, "exit 3")
	assert.Equal(t, "normal exit return status 3", Exit{State: failed.ProcessState}.Status())

	killed := runShell(t, "kill -9 $$")
	assert.Equal(t, "killed by signal 9", Exit{State: killed.ProcessState}.Status())

	assert.Equal(t, "unknown status", Exit{}.Status())
}

func TestFlagsTakeClears(t *testing.T) {
	t.Parallel()
	f := NewFlags()
	assert.False(t, f.TakeHUP())

	f.SetHUP()
	f.SetCHLD()
	select {
	case <-f.Wake():
	default:
		t.Fatal("expected a wake-up")
	}
	assert.True(t, f.TakeHUP())
	assert.False(t, f.TakeHUP())
	assert.True(t, f.TakeCHLD())
	assert.False(t, f.TakeCHLD())
}

func TestReaperCollectsExits(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	flags := NewFlags()
	r := New(flags, logx.NewWriter(&buf, "debug"))

	r.Track("run-1", IdentChild, "alice", 10)
	r.Track("run-2", IdentChild, "bob", 11)
	assert.Equal(t, 2, r.Running())

	cmd := runShell(t, "exit 2")
	r.Done(Exit{RunID: "run-1", Ident: IdentChild, User: "alice", PID: 10, State: cmd.ProcessState})
	assert.Equal(t, 1, r.Running())

	r.Service()
	assert.Contains(t, buf.String(), "normal exit return status 2")
	assert.Empty(t, r.Reap(), "exits are handed out once")
}
