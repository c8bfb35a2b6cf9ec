package scheduler

import (
	"time"

	"svcron/internal/crontab"
	"svcron/internal/database"
)

const secondsPerDay = minutesPerDay * secondsPerMinute

// Matches reports whether e is due at the broken-down minute now. tomorrow
// is the same instant one day later and only decides "last day of month".
//
// When either day field was written starting with "*", both day tests must
// pass. Otherwise either one is enough, so "0 0 1,15 * 1" runs on the 1st,
// on the 15th and on every Monday.
func Matches(e *crontab.Entry, now, tomorrow time.Time) bool {
	if !e.MinuteSet(now.Minute()) || !e.HourSet(now.Hour()) || !e.MonthSet(int(now.Month())) {
		return false
	}
	thisDom := e.DomSet(now.Day()) || (tomorrow.Day() == 1 && e.Flags.Has(crontab.DomLast))
	thisDow := e.DowSet(int(now.Weekday()))
	if e.Flags.Has(crontab.DomStar | crontab.DowStar) {
		return thisDom && thisDow
	}
	return thisDom || thisDow
}

// FindJobs queues the entries of db that are due at virtual minute vtime.
// doWild selects entries with a starred minute or hour; doFixed selects the
// rest. It returns the number of jobs added.
func FindJobs(vtime int64, db *database.Database, doWild, doFixed bool, q *Queue) int {
	sec := vtime * secondsPerMinute
	now := time.Unix(sec, 0).UTC()
	tomorrow := time.Unix(sec+secondsPerDay, 0).UTC()

	added := 0
	db.Entries(func(u *database.UserSchedule, e *crontab.Entry) bool {
		if e.Flags.Has(crontab.WhenReboot) || !Matches(e, now, tomorrow) {
			return true
		}
		wild := e.Wildcard()
		if (doFixed && !wild) || (doWild && wild) {
			if q.Add(Job{Entry: e, User: u}) {
				added++
			}
		}
		return true
	})
	return added
}

// RebootJobs queues every @reboot entry.
func RebootJobs(db *database.Database, q *Queue) int {
	added := 0
	db.Entries(func(u *database.UserSchedule, e *crontab.Entry) bool {
		if e.Flags.Has(crontab.WhenReboot) && q.Add(Job{Entry: e, User: u}) {
			added++
		}
		return true
	})
	return added
}
