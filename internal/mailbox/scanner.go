package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
	"mail-deliverability-go/internal/verp"
)

// Dialer opens a mailbox session for one scan.
type Dialer func(ctx context.Context) (Mailbox, error)

type decoder interface {
	Decode(address string) (string, verp.Status)
}

type bounceRecorder interface {
	AddBounce(ctx context.Context, email string, ev bounce.Event) (*notify.BounceDetected, error)
}

// Result summarizes one scan.
type Result struct {
	Messages     int `json:"messages"`
	Bounces      int `json:"bounces"`
	BadAddresses int `json:"bad_addresses"`
	Expired      int `json:"expired"`
	Unrecognized int `json:"unrecognized"`
	Failed       int `json:"failed"`
}

// Scanner reads unseen bounces, decodes the VERP recipients and records
// bounces for the valid ones.
type Scanner struct {
	dial       Dialer
	breaker    *gobreaker.CircuitBreaker
	codec      decoder
	classifier *bounce.Classifier
	store      bounceRecorder
	alerts     notify.OperatorNotifier
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewScanner(dial Dialer, codec decoder, classifier *bounce.Classifier, store bounceRecorder, alerts notify.OperatorNotifier, m *metrics.Metrics) *Scanner {
	return &Scanner{
		dial: dial,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "imap",
			MaxRequests: 1,
			Interval:    10 * time.Minute,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("Circuit breaker state changed")
			},
		}),
		codec:      codec,
		classifier: classifier,
		store:      store,
		alerts:     alerts,
		metrics:    m,
		now:        time.Now,
	}
}

// Scan processes every unseen message. A message is marked seen only after
// it was fully handled, so a failed scan is retried on the next run.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result
	if s.metrics != nil {
		s.metrics.MailboxScans.Inc()
	}

	mb, err := s.connect(ctx)
	if err != nil {
		s.scanFailed()
		return res, err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			logrus.Warnf("Failed to close bounce mailbox: %v", err)
		}
	}()

	messages, err := mb.Unseen(ctx)
	if err != nil {
		s.scanFailed()
		return res, err
	}

	for _, msg := range messages {
		res.Messages++
		if s.metrics != nil {
			s.metrics.MessagesScanned.Inc()
		}

		if err := s.process(ctx, msg, &res); err != nil {
			res.Failed++
			logrus.WithField("uid", msg.UID).Errorf("Failed to process bounce message: %v", err)
			continue
		}

		if err := mb.MarkSeen(ctx, msg.UID); err != nil {
			s.scanFailed()
			return res, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"messages":      res.Messages,
		"bounces":       res.Bounces,
		"bad_addresses": res.BadAddresses,
		"unrecognized":  res.Unrecognized,
		"failed":        res.Failed,
	}).Info("Bounce mailbox scan completed")
	return res, nil
}

func (s *Scanner) connect(ctx context.Context) (Mailbox, error) {
	mb, err := s.breaker.Execute(func() (interface{}, error) {
		return s.dial(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("bounce mailbox circuit breaker is open: %w", err)
		}
		return nil, err
	}
	return mb.(Mailbox), nil
}

func (s *Scanner) process(ctx context.Context, msg Message, res *Result) error {
	log := logrus.WithField("uid", msg.UID)

	classification, err := s.classifier.ClassifyMessage(bytes.NewReader(msg.Raw))
	if err != nil {
		log.Warnf("Failed to parse bounce message: %v", err)
		res.Unrecognized++
		s.alert(ctx, notify.AlertNoBounceDetected, "No bounce detected in bounce mailbox",
			fmt.Sprintf("Message %d could not be parsed: %v\n\n%s", msg.UID, err, excerpt(msg.Raw)))
		return nil
	}

	if classification.NeedsAttention() {
		res.Unrecognized++
		s.alert(ctx, notify.AlertNoBounceDetected, "No bounce detected in bounce mailbox",
			fmt.Sprintf("Message %d is neither a bounce nor an auto-reply.\n\n%s", msg.UID, excerpt(msg.Raw)))
	}

	for _, addr := range recipients(msg.Raw) {
		email, status := s.codec.Decode(addr)
		if status != verp.StatusValid && s.metrics != nil {
			s.metrics.BadBounceAddresses.WithLabelValues(status.String()).Inc()
		}
		if status == verp.StatusExpired {
			// late bounces for old mail are routine
			res.Expired++
			log.WithFields(logrus.Fields{"address": addr, "email": email}).Info("Ignoring expired bounce address")
			continue
		}
		if status != verp.StatusValid {
			res.BadAddresses++
			log.WithFields(logrus.Fields{"address": addr, "status": status.String()}).Warn("Bad bounce address")
			s.alert(ctx, notify.AlertBadBounceAddress, "Bad bounce address found",
				fmt.Sprintf("Message %d was sent to %s which decoded as %s (recipient %q).", msg.UID, addr, status, email))
			continue
		}

		if !classification.IsBounce {
			continue
		}
		if _, err := s.store.AddBounce(ctx, email, classification.Event); err != nil {
			return fmt.Errorf("failed to record bounce for %s: %w", email, err)
		}
		res.Bounces++
	}
	return nil
}

func (s *Scanner) alert(ctx context.Context, kind notify.AlertKind, subject, body string) {
	if s.alerts == nil {
		return
	}
	err := s.alerts.NotifyOperators(ctx, notify.Alert{Kind: kind, Subject: subject, Body: body, Time: s.now()})
	if err != nil {
		logrus.WithField("kind", kind).Errorf("Failed to notify operators: %v", err)
	}
}

func (s *Scanner) scanFailed() {
	if s.metrics != nil {
		s.metrics.MailboxScanErrors.Inc()
	}
}

// recipients returns every address of the To header.
func recipients(raw []byte) []string {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil
	}
	h := mail.Header{Header: e.Header}

	list, err := h.AddressList("To")
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(h.Get("To"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func excerpt(raw []byte) string {
	const max = 4096
	if len(raw) > max {
		return string(raw[:max]) + "\n[truncated]"
	}
	return string(raw)
}
