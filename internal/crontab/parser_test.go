package crontab

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svcron/internal/identity"
)

var alice = &identity.User{Name: "alice", UID: 1000, GID: 1000, Home: "/home/alice", Shell: "/bin/bash"}

func bits(vals ...int) uint64 {
	var b uint64
	for _, v := range vals {
		b |= 1 << uint(v)
	}
	return b
}

func bitRange(lo, hi int) uint64 {
	var b uint64
	for v := lo; v <= hi; v++ {
		b |= 1 << uint(v)
	}
	return b
}

func TestParseEntryFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		line   string
		minute uint64
		hour   uint64
		dom    uint64
		month  uint64
		dow    uint64
		flags  Flags
		cmd    string
	}{
		{
			name: "all stars", line: "* * * * * echo hi",
			minute: bitRange(0, 59), hour: bitRange(0, 23), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bitRange(0, 6),
			flags: MinStar | HourStar | DomStar | DowStar, cmd: "echo hi",
		},
		{
			name: "fixed time", line: "30 4 1,15 * 1 /usr/bin/backup --full",
			minute: bits(30), hour: bits(4), dom: bits(1, 15), month: bitRange(1, 12), dow: bits(1),
			cmd: "/usr/bin/backup --full",
		},
		{
			name: "stepped star keeps star flag", line: "*/15 * * * * true",
			minute: bits(0, 15, 30, 45), hour: bitRange(0, 23), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bitRange(0, 6),
			flags: MinStar | HourStar | DomStar | DowStar, cmd: "true",
		},
		{
			name: "sunday as seven", line: "0 0 * * 7 weekly",
			minute: bits(0), hour: bits(0), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bits(0),
			flags: DomStar, cmd: "weekly",
		},
		{
			name: "range ending in seven", line: "0 0 * * 5-7 weekend",
			minute: bits(0), hour: bits(0), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bits(0, 5, 6),
			flags: DomStar, cmd: "weekend",
		},
		{
			name: "last day of month", line: "0 23 L * * eom",
			minute: bits(0), hour: bits(23), dom: 0, month: bitRange(1, 12), dow: bitRange(0, 6),
			flags: DomLast | DowStar, cmd: "eom",
		},
		{
			name: "hourly descriptor", line: "@hourly rotate",
			minute: bits(0), hour: bitRange(0, 23), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bitRange(0, 6),
			flags: HourStar | DomStar | DowStar, cmd: "rotate",
		},
		{
			name: "reboot descriptor", line: "@reboot /usr/local/bin/warmup",
			flags: WhenReboot, cmd: "/usr/local/bin/warmup",
		},
		{
			name: "quiet entry", line: "-0 1 * * * quiet",
			minute: bits(0), hour: bits(1), dom: bitRange(1, 31), month: bitRange(1, 12), dow: bitRange(0, 6),
			flags: DontLog | DomStar | DowStar, cmd: "quiet",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := ParseEntry(tt.line, alice, nil, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.minute, e.Minute, "minute")
			assert.Equal(t, tt.hour, e.Hour, "hour")
			assert.Equal(t, tt.dom, e.Dom, "dom")
			assert.Equal(t, tt.month, e.Month, "month")
			assert.Equal(t, tt.dow, e.Dow, "dow")
			assert.Equal(t, tt.flags, e.Flags, "flags")
			assert.Equal(t, tt.cmd, e.Cmd)
			assert.Same(t, alice, e.Owner)
		})
	}
}

func TestParseEntryErrors(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		"* * * *",
		"* * * * *",
		"61 * * * * x",
		"@fortnightly x",
	} {
		_, err := ParseEntry(line, alice, nil, Options{})
		assert.Error(t, err, line)
	}
	_, err := ParseEntry("@sometimes x", alice, nil, Options{})
	assert.True(t, errors.Is(err, ErrDescriptor))
}

func TestParseEntryDefaultsEnvironment(t *testing.T) {
	t.Parallel()
	env := Env{"MAILTO=ops", "PATH=/opt/bin"}
	e, err := ParseEntry("* * * * * env", alice, env, Options{})
	require.NoError(t, err)

	get := func(k string) string {
		v, ok := e.Env.Get(k)
		require.True(t, ok, k)
		return v
	}
	assert.Equal(t, "ops", get("MAILTO"))
	assert.Equal(t, "/opt/bin", get("PATH"))
	assert.Equal(t, "/bin/bash", get("SHELL"))
	assert.Equal(t, "/home/alice", get("HOME"))
	assert.Equal(t, "alice", get("LOGNAME"))
	assert.Equal(t, "alice", get("USER"))

	// The caller's list must not be touched.
	assert.Len(t, env, 2)
}

func TestParseEntrySystemFormat(t *testing.T) {
	t.Parallel()
	lookup := identity.LookupFunc(func(name string) (*identity.User, error) {
		if name == "alice" {
			return alice, nil
		}
		return nil, identity.ErrUnknownUser
	})
	e, err := ParseEntry("5 * * * * alice /bin/true", nil, nil, Options{System: true, Lookup: lookup})
	require.NoError(t, err)
	assert.Same(t, alice, e.Owner)
	assert.Equal(t, "/bin/true", e.Cmd)

	_, err = ParseEntry("5 * * * * mallory /bin/true", nil, nil, Options{System: true, Lookup: lookup})
	assert.ErrorIs(t, err, identity.ErrUnknownUser)

	_, err = ParseEntry("5 * * * *", nil, nil, Options{System: true, Lookup: lookup})
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestLoadAccumulatesEnvironment(t *testing.T) {
	t.Parallel()
	src := strings.Join([]string{
		"# nightly jobs",
		"MAILTO=ops@example.com",
		"0 2 * * * first",
		"",
		"MAILTO=",
		"   0 3 * * * second",
		"bogus line here",
		"FOO = 'bar baz'",
		"0 4 * * * third",
	}, "\n")

	entries, errs := Load(strings.NewReader(src), alice, Options{BaseEnv: Env{"TZ=UTC"}})
	require.Len(t, entries, 3)
	require.Len(t, errs, 1)

	var le *LineError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, 7, le.Line)

	v, ok := entries[0].Env.Get("MAILTO")
	assert.True(t, ok)
	assert.Equal(t, "ops@example.com", v)

	v, ok = entries[1].Env.Get("MAILTO")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	v, _ = entries[2].Env.Get("FOO")
	assert.Equal(t, "bar baz", v)
	v, _ = entries[2].Env.Get("TZ")
	assert.Equal(t, "UTC", v)

	assert.Equal(t, []int{3, 6, 9}, []int{entries[0].Line, entries[1].Line, entries[2].Line})
}

func TestParseEnvLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line  string
		name  string
		value string
		ok    bool
	}{
		{"A=b", "A", "b", true},
		{"A = b  ", "A", "b", true},
		{`A="b c"`, "A", "b c", true},
		{`'A'='b'`, "A", "b", true},
		{`A="b" junk`, "", "", false},
		{"MAILTO=", "MAILTO", "", true},
		{`MAILTO=""`, "MAILTO", "", true},
		{"* * * * * echo a=b", "", "", false},
		{"0 5 * * * cmd", "", "", false},
		{"justaword", "", "", false},
	}
	for _, tt := range tests {
		name, value, ok := ParseEnvLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.name, name, tt.line)
			assert.Equal(t, tt.value, value, tt.line)
		}
	}
}

func TestEnvSetReplacesInPlace(t *testing.T) {
	t.Parallel()
	var e Env
	e = e.Set("A", "1")
	e = e.Set("B", "2")
	e = e.Set("A", "3")
	assert.Equal(t, Env{"A=3", "B=2"}, e)
	e = e.SetDefault("B", "9")
	assert.Equal(t, Env{"A=3", "B=2"}, e)
}
