package notifier

import (
	"errors"
	"strings"

	"svcron/internal/crontab"
	"svcron/internal/identity"
)

var (
	ErrUnsafeRecipient = errors.New("unsafe recipient")
	ErrMailerTemplate  = errors.New("mailer template has more than one %s")
)

// safeDelims may appear anywhere in a recipient except the first position.
const safeDelims = "@!:%-.,"

// ResolveRecipient returns who should get the output, and false when mail is
// switched off with an empty MAILTO.
func ResolveRecipient(env crontab.Env, owner *identity.User) (string, bool) {
	if v, ok := env.Get("MAILTO"); ok {
		if v == "" {
			return "", false
		}
		return v, true
	}
	if owner == nil {
		return "", false
	}
	return owner.Name, true
}

// SafeRecipient accepts printable ASCII letters and digits, plus the
// delimiters in safeDelims after the first character.
func SafeRecipient(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) {
			continue
		}
		if i > 0 && strings.IndexByte(safeDelims, c) >= 0 {
			continue
		}
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// MailCommand fills the recipient into template. A template without "%s" is
// used as is.
func MailCommand(template, rcpt string) (string, error) {
	if template == "" {
		template = DefaultMailer
	}
	switch strings.Count(template, "%s") {
	case 0:
		return template, nil
	case 1:
		return strings.Replace(template, "%s", rcpt, 1), nil
	default:
		return "", ErrMailerTemplate
	}
}
