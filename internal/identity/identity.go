// Package identity resolves schedule owners to a snapshot of their account
// record: numeric ids, supplementary groups, home directory and login shell.
package identity

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

const (
	DefaultShell = "/bin/sh"
	passwdPath   = "/etc/passwd"
)

var ErrUnknownUser = errors.New("no passwd entry")

// User is an immutable copy of a password-database record.
type User struct {
	Name   string
	UID    uint32
	GID    uint32
	Groups []uint32
	Home   string
	Shell  string
}

// Lookuper resolves a user name. The daemon uses System; tests inject fakes.
type Lookuper interface {
	Lookup(name string) (*User, error)
}

// LookupFunc adapts a function to Lookuper.
type LookupFunc func(name string) (*User, error)

func (f LookupFunc) Lookup(name string) (*User, error) { return f(name) }

// System looks users up through os/user and reads the login shell from the
// passwd file, which os/user does not expose.
type System struct {
	PasswdPath string
}

func (s System) Lookup(name string) (*User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownUser)
		}
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s: uid %q: %w", name, u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s: gid %q: %w", name, u.Gid, err)
	}

	out := &User{
		Name:  u.Username,
		UID:   uint32(uid),
		GID:   uint32(gid),
		Home:  u.HomeDir,
		Shell: DefaultShell,
	}
	if ids, err := u.GroupIds(); err == nil {
		for _, g := range ids {
			if n, err := strconv.ParseUint(g, 10, 32); err == nil {
				out.Groups = append(out.Groups, uint32(n))
			}
		}
	}

	path := s.PasswdPath
	if path == "" {
		path = passwdPath
	}
	if sh := loginShell(path, u.Username); sh != "" {
		out.Shell = sh
	}
	return out, nil
}

// loginShell returns the seventh passwd field for name, or "" when unknown.
func loginShell(path, name string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != name {
			continue
		}
		return strings.TrimSpace(fields[6])
	}
	return ""
}
