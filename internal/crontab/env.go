package crontab

import (
	"strings"
	"unicode"
)

// Env is an ordered list of NAME=value assignments. Setting an existing name
// replaces it in place so the original order is kept.
type Env []string

// Get returns the value for name and whether it was present at all.
func (e Env) Get(name string) (string, bool) {
	for _, kv := range e {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == name {
			return v, true
		}
	}
	return "", false
}

// Set returns the list with name=value applied.
func (e Env) Set(name, value string) Env {
	kv := name + "=" + value
	for i, cur := range e {
		k, _, ok := strings.Cut(cur, "=")
		if ok && k == name {
			e[i] = kv
			return e
		}
	}
	return append(e, kv)
}

// SetDefault sets name only when it is absent.
func (e Env) SetDefault(name, value string) Env {
	if _, ok := e.Get(name); ok {
		return e
	}
	return e.Set(name, value)
}

func (e Env) Clone() Env {
	if e == nil {
		return nil
	}
	return append(Env(nil), e...)
}

type envState int

const (
	stNameI envState = iota
	stName
	stEq1
	stEq2
	stValueI
	stValue
	stFini
	stError
)

// ParseEnvLine decides whether line is an environment assignment.
//
// Accepted forms: NAME=value, NAME = value, 'NAME'="value". Quotes may wrap
// either side; only whitespace may follow a closing quote. Unquoted values
// lose trailing whitespace. "NAME=" assigns the empty string.
func ParseEnvLine(line string) (name, value string, ok bool) {
	var nameB, valB strings.Builder
	cur := &nameB
	state := stNameI
	var quote rune

	rs := []rune(line)
	for i := 0; state != stError && i < len(rs); {
		c := rs[i]
		switch state {
		case stNameI, stValueI:
			if c == '\'' || c == '"' {
				quote = c
				i++
				state++
				continue
			}
			state++
			continue
		case stName, stValue:
			if quote != 0 {
				if c == quote {
					state++
					i++
					continue
				}
				if state == stName && c == '=' {
					state = stError
					continue
				}
			} else if state == stName {
				if unicode.IsSpace(c) {
					i++
					state++
					continue
				}
				if c == '=' {
					state++
					continue
				}
			}
			cur.WriteRune(c)
			i++
		case stEq1:
			if c == '=' {
				state++
				cur = &valB
				quote = 0
			} else if !unicode.IsSpace(c) {
				state = stError
			}
			i++
		case stEq2, stFini:
			if unicode.IsSpace(c) {
				i++
			} else {
				state++
			}
		}
	}

	switch {
	case state == stFini:
	case state == stValue && quote == 0:
	case state == stEq2:
	default:
		return "", "", false
	}
	name = nameB.String()
	if name == "" {
		return "", "", false
	}
	value = valB.String()
	if state == stValue {
		value = strings.TrimRightFunc(value, unicode.IsSpace)
	}
	return name, value, true
}
