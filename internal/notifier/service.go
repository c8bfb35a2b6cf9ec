package notifier

import (
	"context"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"svcron/pkg/logx"
)

// Service opens mail deliveries. It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	transport Transport
	host      string
	log       logx.Logger
}

func New(cfg Config, transport Transport, log logx.Logger) *Service {
	if transport == nil {
		transport = ExecTransport{DropPrivileges: os.Geteuid() == 0}
	}
	host, _ := os.Hostname()
	s := &Service{transport: transport, host: host, log: log}
	s.applyLocked(cfg)
	return s
}

// SetHostname overrides the host shown in subjects.
func (s *Service) SetHostname(host string) {
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Mailer == "" {
		cfg.Mailer = DefaultMailer
	}
	s.cfg = cfg
	if cfg.RatePerSec <= 0 {
		s.limiter = nil
		return
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Open prepares delivery of job output. It returns nil and no error when the
// output should only be drained: mail is switched off for the entry, or the
// recipient was rejected (which is logged here).
func (s *Service) Open(ctx context.Context, msg Message) (*Delivery, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	host := s.host
	s.mu.Unlock()

	user := ""
	if msg.Owner != nil {
		user = msg.Owner.Name
	}

	rcpt, ok := ResolveRecipient(msg.Env, msg.Owner)
	if !ok {
		logx.Event(s.log, user, 0, "MAIL", "mail suppressed (MAILTO empty)", nil)
		return nil, nil
	}
	if !SafeRecipient(rcpt) {
		logx.Event(s.log, user, 0, "UNSAFE", rcpt, nil)
		return nil, nil
	}

	line, err := MailCommand(cfg.Mailer, rcpt)
	if err != nil {
		return nil, err
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	conn, err := s.transport.Open(strings.Fields(line), msg.Owner)
	if err != nil {
		return nil, err
	}

	d := &Delivery{Recipient: rcpt, Command: line, conn: conn}
	if err := WriteHeader(conn, cfg, msg, rcpt, host); err != nil {
		d.err = err
	}
	return d, nil
}

// Delivery is a message being written to the mail command. Writes never
// fail: once the command stops accepting input the rest is discarded so that
// the job's output is still drained.
type Delivery struct {
	Recipient string
	Command   string

	conn Conn
	err  error
}

func (d *Delivery) PID() int { return d.conn.PID() }

func (d *Delivery) Write(p []byte) (int, error) {
	if d.err == nil {
		_, d.err = d.conn.Write(p)
	}
	return len(p), nil
}

// Close finishes the message and returns the mail command's status.
func (d *Delivery) Close() (int, *os.ProcessState, error) {
	status, state, err := d.conn.Finish()
	if err == nil && d.err != nil {
		err = d.err
	}
	return status, state, err
}
