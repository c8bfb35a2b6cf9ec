package executor

import (
	"fmt"
	"strings"
)

// SplitCommand separates an entry's command from the text fed to its
// standard input.
//
// The first unescaped "%" ends the command; "\%" in the command stands for a
// literal percent sign. In the input, further unescaped "%" become newlines,
// "\%" becomes "%", any other backslash is kept, and a final newline is
// added when the input does not already end in one.
func SplitCommand(raw string) (command, input string) {
	out := make([]byte, 0, len(raw))
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			if ch == '%' {
				out[len(out)-1] = '%'
				continue
			}
			out = append(out, ch)
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '%':
			return string(out), translateInput(raw[i+1:])
		}
		out = append(out, ch)
	}
	return string(out), ""
}

func translateInput(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	escaped, needNewline := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			if ch != '%' {
				b.WriteByte('\\')
			}
		} else if ch == '%' {
			ch = '\n'
		}
		escaped = ch == '\\'
		if !escaped {
			b.WriteByte(ch)
			needNewline = ch != '\n'
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	if needNewline {
		b.WriteByte('\n')
	}
	return b.String()
}

// Printable renders control characters visibly for log lines: "^X" for
// control codes, "^?" for DEL and "\ooo" for bytes outside ASCII.
func Printable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < ' ':
			b.WriteByte('^')
			b.WriteByte(c + '@')
		case c == 0x7f:
			b.WriteString("^?")
		case c > 0x7f:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
