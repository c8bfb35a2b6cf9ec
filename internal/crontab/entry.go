package crontab

import (
	"svcron/internal/identity"
)

// Flags records how an entry was written, not what it matches.
type Flags uint8

const (
	MinStar Flags = 1 << iota
	HourStar
	DomStar
	DowStar
	DomLast
	WhenReboot
	DontLog
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// Entry is one parsed schedule line.
//
// The calendar fields are bitsets indexed by the field value: Minute 0-59,
// Hour 0-23, Dom 1-31, Month 1-12, Dow 0-6 (Sunday is 0; 7 is folded onto 0).
type Entry struct {
	Minute uint64
	Hour   uint64
	Dom    uint64
	Month  uint64
	Dow    uint64
	Flags  Flags

	Cmd   string
	Owner *identity.User
	Env   Env

	// Line is the 1-based source line, for diagnostics.
	Line int
}

func bitTest(set uint64, v int) bool {
	if v < 0 || v > 63 {
		return false
	}
	return set&(1<<uint(v)) != 0
}

func (e *Entry) MinuteSet(v int) bool { return bitTest(e.Minute, v) }
func (e *Entry) HourSet(v int) bool   { return bitTest(e.Hour, v) }
func (e *Entry) DomSet(v int) bool    { return bitTest(e.Dom, v) }
func (e *Entry) MonthSet(v int) bool  { return bitTest(e.Month, v) }
func (e *Entry) DowSet(v int) bool    { return bitTest(e.Dow, v) }

// Wildcard reports whether the entry runs every minute or every hour. Such
// entries are re-evaluated across clock jumps; the rest are fixed-time.
func (e *Entry) Wildcard() bool { return e.Flags.Has(MinStar | HourStar) }
