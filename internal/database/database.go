// Package database holds the in-memory schedule database and rebuilds it
// incrementally from the schedule directory and the system locations.
package database

import (
	"time"

	"svcron/internal/crontab"
)

// Owner keys for the system-format files.
const (
	SystemKey    = "*system*"
	systemPrefix = SystemKey + ":"
)

// UserSchedule is one loaded schedule file.
type UserSchedule struct {
	Name    string
	Path    string
	Entries []*crontab.Entry
	// ModTime is the file's modification time when it was parsed.
	ModTime time.Time
}

// Database is an insertion-ordered set of schedules keyed by owner name.
//
// The zero ModTime of a fresh Database never equals a real directory time, so
// the first reload always does a full pass.
type Database struct {
	ModTime time.Time

	order []string
	users map[string]*UserSchedule
}

func New() *Database {
	return &Database{users: map[string]*UserSchedule{}}
}

func (d *Database) Len() int {
	if d == nil {
		return 0
	}
	return len(d.order)
}

// Find returns the schedule for name, or nil.
func (d *Database) Find(name string) *UserSchedule {
	if d == nil {
		return nil
	}
	return d.users[name]
}

// Users returns the schedules in insertion order.
func (d *Database) Users() []*UserSchedule {
	if d == nil {
		return nil
	}
	out := make([]*UserSchedule, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.users[name])
	}
	return out
}

// Entries calls fn for every entry in dispatch order: schedules in insertion
// order, then entries in file order. Returning false stops the walk.
func (d *Database) Entries(fn func(*UserSchedule, *crontab.Entry) bool) {
	if d == nil {
		return
	}
	for _, name := range d.order {
		u := d.users[name]
		for _, e := range u.Entries {
			if !fn(u, e) {
				return
			}
		}
	}
}

// Put inserts u, replacing any schedule with the same name in place.
func (d *Database) Put(u *UserSchedule) { d.link(u) }

func (d *Database) link(u *UserSchedule) {
	if d.users == nil {
		d.users = map[string]*UserSchedule{}
	}
	if _, ok := d.users[u.Name]; !ok {
		d.order = append(d.order, u.Name)
	}
	d.users[u.Name] = u
}

func (d *Database) unlink(name string) *UserSchedule {
	u, ok := d.users[name]
	if !ok {
		return nil
	}
	delete(d.users, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return u
}

func (d *Database) clear() {
	d.order = nil
	d.users = map[string]*UserSchedule{}
}
