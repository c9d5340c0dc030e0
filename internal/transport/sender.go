// Package transport submits mail to the outbound SMTP relay.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/config"
)

// Envelope is one message to submit.
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Sender submits an envelope.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// RecipientsRefusedError reports recipients the relay refused at RCPT time.
// The message was still sent to every other recipient.
type RecipientsRefusedError struct {
	Refused map[string]*smtp.SMTPError
}

func (e *RecipientsRefusedError) Error() string {
	parts := make([]string, 0, len(e.Refused))
	for _, rcpt := range e.recipients() {
		parts = append(parts, fmt.Sprintf("%s (%d %s)", rcpt, e.Refused[rcpt].Code, e.Refused[rcpt].Message))
	}
	return fmt.Sprintf("%d recipient(s) refused: %s", len(e.Refused), strings.Join(parts, ", "))
}

// Rejections converts the refusals for classification.
func (e *RecipientsRefusedError) Rejections() []bounce.Rejection {
	out := make([]bounce.Rejection, 0, len(e.Refused))
	for _, rcpt := range e.recipients() {
		serr := e.Refused[rcpt]
		diag := serr.Message
		if serr.EnhancedCode != smtp.NoEnhancedCode && serr.EnhancedCode[0] > 0 {
			c := serr.EnhancedCode
			diag = fmt.Sprintf("%d.%d.%d %s", c[0], c[1], c[2], serr.Message)
		}
		out = append(out, bounce.Rejection{Recipient: rcpt, Code: serr.Code, Diagnostic: diag})
	}
	return out
}

func (e *RecipientsRefusedError) recipients() []string {
	keys := make([]string, 0, len(e.Refused))
	for k := range e.Refused {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SMTPSender talks to the relay with go-smtp behind a circuit breaker.
type SMTPSender struct {
	cfg       config.SMTPConfig
	addr      string
	tlsConfig *tls.Config
	breaker   *gobreaker.CircuitBreaker
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	s := &SMTPSender{
		cfg:       cfg,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp-relay",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	})
	return s
}

// Send submits env. Refused recipients do not fail the whole message; they
// are returned as *RecipientsRefusedError once the data has been accepted.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) error {
	if len(env.To) == 0 {
		return errors.New("envelope has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.send(env)
	})
	if err != nil {
		return err
	}
	if refused, _ := res.(*RecipientsRefusedError); refused != nil {
		return refused
	}
	return nil
}

func (s *SMTPSender) send(env Envelope) (*RecipientsRefusedError, error) {
	c, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.addr, err)
	}
	defer c.Close()

	if s.cfg.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)); err != nil {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.Mail(env.From, nil); err != nil {
		return nil, fmt.Errorf("failed to set sender: %w", err)
	}

	refused := map[string]*smtp.SMTPError{}
	accepted := 0
	for _, rcpt := range env.To {
		err := c.Rcpt(rcpt, nil)
		if err == nil {
			accepted++
			continue
		}
		var serr *smtp.SMTPError
		if !errors.As(err, &serr) {
			return nil, fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
		refused[rcpt] = serr
	}

	if accepted > 0 {
		wc, err := c.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to start data: %w", err)
		}
		if _, err := wc.Write(env.Data); err != nil {
			_ = wc.Close()
			return nil, fmt.Errorf("failed to write message: %w", err)
		}
		if err := wc.Close(); err != nil {
			return nil, fmt.Errorf("failed to close data writer: %w", err)
		}
	}

	if err := c.Quit(); err != nil {
		logrus.Warnf("SMTP QUIT failed: %v", err)
	}

	if len(refused) > 0 {
		return &RecipientsRefusedError{Refused: refused}, nil
	}
	return nil, nil
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	var (
		c   *smtp.Client
		err error
	)
	if s.cfg.TLSMode == "tls" {
		c, err = smtp.DialTLS(s.addr, s.tlsConfig)
	} else {
		c, err = smtp.Dial(s.addr)
	}
	if err != nil {
		return nil, err
	}

	if err := s.hello(c); err != nil {
		c.Close()
		return nil, err
	}
	if s.cfg.TLSMode == "starttls" {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, errors.New("server does not support STARTTLS")
		}
		if err := c.StartTLS(s.tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	return c, nil
}

// hello sends EHLO with the configured name. Without one the client greets
// with its default on the first command.
func (s *SMTPSender) hello(c *smtp.Client) error {
	if s.cfg.HeloName == "" {
		return nil
	}
	return c.Hello(s.cfg.HeloName)
}
