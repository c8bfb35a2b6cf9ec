package notifier

import (
	"time"

	"svcron/internal/crontab"
	"svcron/internal/identity"
)

// DefaultMailer is used when no mail command is configured.
const DefaultMailer = "/usr/sbin/sendmail -FCronDaemon -odi -oem -oi -t"

// Config controls mail delivery.
type Config struct {
	// Mailer is the mail command template; empty selects DefaultMailer.
	Mailer string
	// DateHeader adds a Date: header to every message.
	DateHeader bool
	// FromUser sends as the owner instead of the daemon.
	FromUser bool
	// RatePerSec limits how many mail commands start per second; zero
	// disables the limit.
	RatePerSec float64
}

// Message is the job context a mail is built from.
type Message struct {
	Owner *identity.User
	Env   crontab.Env
	// Command is the command part of the entry, shown in the subject.
	Command string
	Date    time.Time
}
