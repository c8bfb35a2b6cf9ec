package crontab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/robfig/cron/v3"

	"svcron/internal/identity"
)

const (
	DefaultPath = "/usr/bin:/bin"

	// robfig/cron marks fields written as "*" with the top bit.
	starBit = uint64(1) << 63
)

var (
	ErrEmptyCommand = errors.New("missing command")
	ErrNoUser       = errors.New("missing user column")
	ErrDescriptor   = errors.New("unknown @ descriptor")
)

// fieldParser only handles the five calendar fields; descriptors are expanded
// before it sees them so that the star flags come from the written text.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var descriptors = map[string]string{
	"yearly":   "0 0 1 1 *",
	"annually": "0 0 1 1 *",
	"monthly":  "0 0 1 * *",
	"weekly":   "0 0 * * 0",
	"daily":    "0 0 * * *",
	"midnight": "0 0 * * *",
	"hourly":   "0 * * * *",
}

// Options controls how a schedule file is read.
type Options struct {
	// System files carry a user name column between the time fields and the
	// command.
	System bool
	Lookup identity.Lookuper
	// BaseEnv is copied into every file before its own assignments.
	BaseEnv Env
}

// LineError ties a parse failure to its source line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// Load reads a whole schedule file. Environment assignments accumulate and
// each entry gets a private copy of what was seen before it. Bad lines are
// reported and skipped; they never abort the file.
func Load(r io.Reader, owner *identity.User, opts Options) ([]*Entry, []error) {
	var (
		entries []*Entry
		errs    []error
	)
	env := opts.BaseEnv.Clone()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		if name, value, ok := ParseEnvLine(trimmed); ok {
			env = env.Set(name, value)
			continue
		}
		e, err := ParseEntry(trimmed, owner, env, opts)
		if err != nil {
			errs = append(errs, &LineError{Line: lineNo, Err: err})
			continue
		}
		e.Line = lineNo
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return entries, errs
}

// ParseEntry parses one logical schedule line (not an environment line).
func ParseEntry(line string, owner *identity.User, env Env, opts Options) (*Entry, error) {
	e := &Entry{}
	rest := strings.TrimLeftFunc(line, unicode.IsSpace)

	if strings.HasPrefix(rest, "-") {
		e.Flags |= DontLog
		rest = rest[1:]
	}

	var fields []string
	if strings.HasPrefix(rest, "@") {
		word, tail := nextField(rest[1:])
		word = strings.ToLower(word)
		rest = tail
		if word == "reboot" {
			e.Flags |= WhenReboot
		} else {
			expr, ok := descriptors[word]
			if !ok {
				return nil, fmt.Errorf("%w %q", ErrDescriptor, "@"+word)
			}
			fields = strings.Fields(expr)
		}
	} else {
		fields = make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			var f string
			f, rest = nextField(rest)
			if f == "" {
				return nil, fmt.Errorf("expected 5 time fields, got %d", i)
			}
			fields = append(fields, f)
		}
	}

	if fields != nil {
		if err := e.setCalendar(fields); err != nil {
			return nil, err
		}
	}

	if opts.System {
		var name string
		name, rest = nextField(rest)
		if name == "" {
			return nil, ErrNoUser
		}
		if opts.Lookup == nil {
			return nil, fmt.Errorf("user %q: no identity lookup", name)
		}
		u, err := opts.Lookup.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		owner = u
	}
	if owner == nil {
		return nil, errors.New("no owner")
	}

	cmd := strings.TrimLeftFunc(rest, unicode.IsSpace)
	if cmd == "" {
		return nil, ErrEmptyCommand
	}
	e.Cmd = cmd
	e.Owner = owner

	e.Env = env.Clone()
	e.Env = e.Env.SetDefault("SHELL", shellOf(owner))
	e.Env = e.Env.SetDefault("HOME", owner.Home)
	e.Env = e.Env.SetDefault("LOGNAME", owner.Name)
	e.Env = e.Env.SetDefault("USER", owner.Name)
	e.Env = e.Env.SetDefault("PATH", DefaultPath)
	return e, nil
}

func shellOf(u *identity.User) string {
	if u == nil || u.Shell == "" {
		return identity.DefaultShell
	}
	return u.Shell
}

// nextField splits off one whitespace-delimited word.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func (e *Entry) setCalendar(fields []string) error {
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if strings.HasPrefix(minute, "*") {
		e.Flags |= MinStar
	}
	if strings.HasPrefix(hour, "*") {
		e.Flags |= HourStar
	}
	if strings.HasPrefix(dom, "*") {
		e.Flags |= DomStar
	}
	if strings.HasPrefix(dow, "*") {
		e.Flags |= DowStar
	}

	dom, lastOnly := stripLastDom(dom)
	if dom != fields[2] {
		e.Flags |= DomLast
	}
	dow, err := foldSunday(dow)
	if err != nil {
		return err
	}

	sched, err := fieldParser.Parse(strings.Join([]string{minute, hour, dom, month, dow}, " "))
	if err != nil {
		return err
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return fmt.Errorf("unsupported schedule %T", sched)
	}
	e.Minute = spec.Minute &^ starBit
	e.Hour = spec.Hour &^ starBit
	e.Dom = spec.Dom &^ starBit
	e.Month = spec.Month &^ starBit
	e.Dow = spec.Dow &^ starBit
	if lastOnly {
		e.Dom = 0
	}
	return nil
}

// stripLastDom removes "L" from a day-of-month list. When L was the only item
// the returned list is a placeholder and lastOnly is set.
func stripLastDom(field string) (out string, lastOnly bool) {
	parts := strings.Split(field, ",")
	kept := parts[:0:0]
	found := false
	for _, p := range parts {
		if strings.EqualFold(p, "L") {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return field, false
	}
	if len(kept) == 0 {
		return "1", true
	}
	return strings.Join(kept, ","), false
}

// foldSunday rewrites day-of-week 7 as 0, which robfig/cron does not accept.
func foldSunday(field string) (string, error) {
	if !strings.Contains(field, "7") {
		return field, nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts)+1)
	addSunday := false
	for _, p := range parts {
		rng, step, hasStep := strings.Cut(p, "/")
		lo, hi, isRange := strings.Cut(rng, "-")
		switch {
		case !isRange && rng == "7":
			if hasStep {
				out = append(out, "0/"+step)
			} else {
				out = append(out, "0")
			}
		case isRange && hi == "7":
			from, err := strconv.Atoi(lo)
			if err != nil {
				return "", fmt.Errorf("day of week %q: %w", p, err)
			}
			n := 1
			if hasStep {
				if n, err = strconv.Atoi(step); err != nil || n <= 0 {
					return "", fmt.Errorf("day of week %q: bad step", p)
				}
			}
			if (7-from)%n == 0 {
				addSunday = true
			}
			if from == 7 {
				continue
			}
			r := lo + "-6"
			if hasStep {
				r += "/" + step
			}
			out = append(out, r)
		default:
			out = append(out, p)
		}
	}
	if addSunday {
		out = append(out, "0")
	}
	if len(out) == 0 {
		return "0", nil
	}
	return strings.Join(out, ","), nil
}
