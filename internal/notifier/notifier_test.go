package notifier

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svcron/internal/crontab"
	"svcron/internal/identity"
	"svcron/pkg/logx"
)

var alice = &identity.User{Name: "alice", UID: 1000, GID: 1000, Home: "/home/alice", Shell: "/bin/sh"}

type fakeConn struct {
	bytes.Buffer
	status int
}

func (c *fakeConn) PID() int                                 { return 4321 }
func (c *fakeConn) Finish() (int, *os.ProcessState, error) { return c.status, nil, nil }

type fakeTransport struct {
	mu     sync.Mutex
	argv   [][]string
	owners []*identity.User
	conns  []*fakeConn
	status int
	err    error
}

func (t *fakeTransport) Open(argv []string, owner *identity.User) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	c := &fakeConn{status: t.status}
	t.argv = append(t.argv, argv)
	t.owners = append(t.owners, owner)
	t.conns = append(t.conns, c)
	return c, nil
}

func TestResolveRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  crontab.Env
		want string
		ok   bool
	}{
		{name: "absent falls back to owner", env: crontab.Env{"PATH=/bin"}, want: "alice", ok: true},
		{name: "explicit", env: crontab.Env{"MAILTO=ops@example.com"}, want: "ops@example.com", ok: true},
		{name: "empty disables", env: crontab.Env{"MAILTO="}, ok: false},
	}
	for _, tt := range tests {
		got, ok := ResolveRecipient(tt.env, alice)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestSafeRecipient(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"alice", "ops@example.com", "a.b-c,d", "host!user", "u%relay", "x:y", "A1"} {
		assert.True(t, SafeRecipient(s), s)
	}
	for _, s := range []string{"", "-oQ/tmp", "@host", "a b", "a;rm", "a|b", "a\nb", "ünï", "a$b", "a/b"} {
		assert.False(t, SafeRecipient(s), s)
	}
}

func TestMailCommand(t *testing.T) {
	t.Parallel()
	got, err := MailCommand("", "alice")
	require.NoError(t, err)
	assert.Equal(t, DefaultMailer, got)

	got, err = MailCommand("/usr/bin/mail -s cron %s", "alice")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/mail -s cron alice", got)

	_, err = MailCommand("/bin/mail %s %s", "alice")
	assert.ErrorIs(t, err, ErrMailerTemplate)
}

func TestWriteHeaderLayout(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	msg := Message{
		Owner:   alice,
		Env:     crontab.Env{"MAILTO=ops", "SHELL=/bin/sh"},
		Command: "echo hi",
		Date:    time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteHeader(&buf, Config{DateHeader: true}, msg, "ops", "box.example.com"))
	want := "From: root (svcron Daemon)\n" +
		"To: ops\n" +
		"Subject: svcron <alice@box> echo hi\n" +
		"Date: Wed, 10 Jan 2024 12:00:00 +0000\n" +
		"X-Cron-Env: <MAILTO=ops>\n" +
		"X-Cron-Env: <SHELL=/bin/sh>\n" +
		"\n"
	assert.Equal(t, want, buf.String())

	buf.Reset()
	require.NoError(t, WriteHeader(&buf, Config{FromUser: true}, msg, "ops", "box"))
	assert.True(t, strings.HasPrefix(buf.String(), "From: alice\nTo: ops\n"))
	assert.NotContains(t, buf.String(), "Date:")
}

func TestOpenDeliversToOwnerByDefault(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	s := New(Config{Mailer: "/usr/bin/mailx -s out %s"}, tr, logx.Nop())
	s.SetHostname("box")

	d, err := s.Open(context.Background(), Message{Owner: alice, Env: crontab.Env{"HOME=/home/alice"}, Command: "date"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "alice", d.Recipient)

	_, _ = d.Write([]byte("output\n"))
	status, _, err := d.Close()
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	require.Len(t, tr.argv, 1)
	assert.Equal(t, []string{"/usr/bin/mailx", "-s", "out", "alice"}, tr.argv[0])
	assert.Same(t, alice, tr.owners[0])
	body := tr.conns[0].String()
	assert.Contains(t, body, "To: alice\n")
	assert.True(t, strings.HasSuffix(body, "\n\noutput\n"))
}

func TestOpenSkipsMail(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	tr := &fakeTransport{}
	s := New(Config{}, tr, logx.NewWriter(&logs, "info"))

	d, err := s.Open(context.Background(), Message{Owner: alice, Env: crontab.Env{"MAILTO="}})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Contains(t, logs.String(), `"detail":"mail suppressed (MAILTO empty)"`)

	d, err = s.Open(context.Background(), Message{Owner: alice, Env: crontab.Env{"MAILTO=-oQ/tmp/x"}})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Contains(t, logs.String(), `"event":"UNSAFE"`)

	assert.Empty(t, tr.argv, "no mail command may be started")
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{Mailer: "mail %s %s"}, &fakeTransport{}, logx.Nop())
	_, err := s.Open(context.Background(), Message{Owner: alice})
	assert.ErrorIs(t, err, ErrMailerTemplate)

	boom := errors.New("no such mailer")
	s = New(Config{}, &fakeTransport{err: boom}, logx.Nop())
	_, err = s.Open(context.Background(), Message{Owner: alice})
	assert.ErrorIs(t, err, boom)
}

func TestExecTransportReportsStatus(t *testing.T) {
	t.Parallel()
	tr := ExecTransport{}
	conn, err := tr.Open([]string{"/bin/sh", "-c", "cat >/dev/null; exit 3"}, alice)
	require.NoError(t, err)
	_, _ = conn.Write([]byte("hello\n"))
	status, state, err := conn.Finish()
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	require.NotNil(t, state)
	assert.Equal(t, 3, state.ExitCode())
}
