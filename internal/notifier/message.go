package notifier

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// WriteHeader writes the mail header block, including the blank line that
// separates it from the body.
func WriteHeader(w io.Writer, cfg Config, msg Message, rcpt, host string) error {
	bw := bufio.NewWriter(w)
	user := ""
	if msg.Owner != nil {
		user = msg.Owner.Name
	}

	if cfg.FromUser && user != "" {
		fmt.Fprintf(bw, "From: %s\n", user)
	} else {
		fmt.Fprintf(bw, "From: root (svcron Daemon)\n")
	}
	fmt.Fprintf(bw, "To: %s\n", rcpt)
	fmt.Fprintf(bw, "Subject: svcron <%s@%s> %s\n", user, shortHost(host), msg.Command)
	if cfg.DateHeader {
		d := msg.Date
		if d.IsZero() {
			d = time.Now()
		}
		fmt.Fprintf(bw, "Date: %s\n", d.Format(time.RFC1123Z))
	}
	for _, kv := range msg.Env {
		fmt.Fprintf(bw, "X-Cron-Env: <%s>\n", kv)
	}
	bw.WriteString("\n")
	return bw.Flush()
}

func shortHost(host string) string {
	first, _, _ := strings.Cut(host, ".")
	return first
}
