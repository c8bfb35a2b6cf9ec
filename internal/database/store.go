package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"svcron/internal/crontab"
	"svcron/internal/identity"
	"svcron/pkg/logx"
)

// Default locations.
const (
	DefaultSpoolDir      = "/var/spool/svcron/crontabs"
	DefaultSystemCrontab = "/etc/svcron/crontab"
	DefaultSystemCronD   = "/etc/svcron/cron.d"
)

// Rejection tags, as logged.
const (
	TagOrphan      = "ORPHAN"
	TagCantOpen    = "CAN'T OPEN"
	TagFstatFailed = "FSTAT FAILED"
	TagNotRegular  = "NOT REGULAR"
	TagBadMode     = "BAD FILE MODE"
	TagWrongOwner  = "WRONG FILE OWNER"
	TagBadLinks    = "BAD LINK COUNT"
	TagReload      = "RELOAD"
	TagParse       = "ERROR"
)

const rootUID = 0

// Options configures a Store.
type Options struct {
	SpoolDir      string
	SystemCrontab string
	SystemCronD   string
	// Override is set when the schedule directory was given on the command
	// line. The system file and drop-in directory are then ignored.
	Override bool

	Lookup  identity.Lookuper
	BaseEnv crontab.Env
}

// Store rebuilds a Database from disk.
type Store struct {
	opts Options
	log  logx.Logger
}

func NewStore(opts Options, log logx.Logger) *Store {
	if opts.SpoolDir == "" {
		opts.SpoolDir = DefaultSpoolDir
	}
	if opts.SystemCrontab == "" {
		opts.SystemCrontab = DefaultSystemCrontab
	}
	if opts.SystemCronD == "" {
		opts.SystemCronD = DefaultSystemCronD
	}
	if opts.Lookup == nil {
		opts.Lookup = identity.System{}
	}
	return &Store{opts: opts, log: log}
}

// WatchPaths lists the directories whose changes trigger a reload.
func (s *Store) WatchPaths() []string {
	if s.opts.Override {
		return []string{s.opts.SpoolDir}
	}
	return []string{s.opts.SpoolDir, filepath.Dir(s.opts.SystemCrontab), s.opts.SystemCronD}
}

// Reload returns a database reflecting the current files.
//
// When nothing tracked has changed since old was built, old itself is
// returned. Otherwise unchanged schedules are moved from old into the result
// (same pointer), changed ones are reparsed, and old is left empty.
//
// Failing to stat or list the schedule directory is fatal and returned as an
// error; problems with individual files are logged and the file is skipped.
func (s *Store) Reload(ctx context.Context, old *Database) (*Database, error) {
	if old == nil {
		old = New()
	}
	if err := ctx.Err(); err != nil {
		return old, err
	}

	spoolMod, err := statMod(s.opts.SpoolDir)
	if err != nil {
		return old, fmt.Errorf("stat %s: %w", s.opts.SpoolDir, err)
	}
	var sysMod, crondMod time.Time
	if !s.opts.Override {
		sysMod, _ = statMod(s.opts.SystemCrontab)
		crondMod, _ = statMod(s.opts.SystemCronD)
	}

	newest := maxTime(spoolMod, sysMod, crondMod)
	if old.ModTime.Equal(newest) {
		return old, nil
	}

	// List before processing anything: processing moves schedules out of
	// old, which must stay intact when this fails.
	names, err := listDir(s.opts.SpoolDir)
	if err != nil {
		return old, fmt.Errorf("read %s: %w", s.opts.SpoolDir, err)
	}

	db := New()
	db.ModTime = newest

	if !s.opts.Override && !sysMod.IsZero() {
		s.process(SystemKey, s.opts.SystemCrontab, nil, db, old)
	}
	for _, name := range names {
		path := filepath.Join(s.opts.SpoolDir, name)
		pw, err := s.opts.Lookup.Lookup(name)
		if err != nil {
			logx.Event(s.log, name, 0, TagOrphan, "no passwd entry", nil)
			continue
		}
		s.process(name, path, pw, db, old)
	}

	if !s.opts.Override && !crondMod.IsZero() {
		names, err := listDir(s.opts.SystemCronD)
		if err != nil {
			s.log.Warn("drop-in directory unreadable", logx.String("dir", s.opts.SystemCronD), logx.Err(err))
		}
		for _, name := range names {
			s.process(systemPrefix+name, filepath.Join(s.opts.SystemCronD, name), nil, db, old)
		}
	}

	// Whatever is left in old belongs to files that disappeared.
	for _, u := range old.Users() {
		s.log.Debug("schedule dropped", logx.String("user", u.Name), logx.String("path", u.Path))
	}
	old.clear()

	return db, nil
}

// process validates one candidate file and links its schedule into db. A nil
// pw marks a system-format file, which must be owned by root.
func (s *Store) process(key, path string, pw *identity.User, db, old *Database) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		logx.Event(s.log, key, 0, TagCantOpen, path, err)
		return
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		logx.Event(s.log, key, 0, TagFstatFailed, path, err)
		return
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		logx.Event(s.log, key, 0, TagNotRegular, path, nil)
		return
	}
	if st.Mode&0o7777 != 0o600 {
		logx.Event(s.log, key, 0, TagBadMode, path, nil)
		return
	}
	if !ownerOK(st.Uid, key, pw) {
		logx.Event(s.log, key, 0, TagWrongOwner, path, nil)
		return
	}
	if st.Nlink != 1 {
		logx.Event(s.log, key, 0, TagBadLinks, path, nil)
		return
	}

	sec, nsec := st.Mtim.Unix()
	mod := time.Unix(sec, nsec)

	if u := old.Find(key); u != nil {
		if u.ModTime.Equal(mod) {
			old.unlink(key)
			db.link(u)
			return
		}
		old.unlink(key)
		logx.Event(s.log, key, 0, TagReload, path, nil)
	}

	opts := crontab.Options{BaseEnv: s.opts.BaseEnv, Lookup: s.opts.Lookup, System: pw == nil}
	entries, errs := crontab.Load(f, pw, opts)
	for _, perr := range errs {
		logx.Event(s.log, key, 0, TagParse, path, perr)
	}
	db.link(&UserSchedule{
		Name:    key,
		Path:    path,
		Entries: entries,
		ModTime: mod,
	})
}

// ownerOK accepts root-owned files, and user files owned by that user when the
// file name is the account's canonical name.
func ownerOK(uid uint32, key string, pw *identity.User) bool {
	if uid == rootUID {
		return true
	}
	if pw == nil {
		return false
	}
	return uid == pw.UID && key == pw.Name
}

func statMod(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func maxTime(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

// listDir returns the non-dot names in dir in lexical order.
func listDir(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}
