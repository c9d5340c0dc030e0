package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
)

const mailAttempts = 3

// OperatorMailer sends operator alerts by mail.
type OperatorMailer struct {
	sender     Sender
	from       string
	recipients []string
	metrics    *metrics.Metrics
	backoff    func(attempt int) time.Duration
}

func NewOperatorMailer(sender Sender, from string, recipients []string, m *metrics.Metrics) *OperatorMailer {
	return &OperatorMailer{
		sender:     sender,
		from:       from,
		recipients: recipients,
		metrics:    m,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
}

// NotifyOperators mails alert to every operator. Temporary relay failures
// are retried with a growing delay.
func (m *OperatorMailer) NotifyOperators(ctx context.Context, alert notify.Alert) error {
	if len(m.recipients) == 0 {
		return nil
	}
	if m.metrics != nil {
		m.metrics.OperatorAlerts.WithLabelValues(string(alert.Kind)).Inc()
	}

	data, err := m.compose(alert)
	if err != nil {
		return fmt.Errorf("failed to compose alert: %w", err)
	}
	env := Envelope{From: m.from, To: m.recipients, Data: data}

	var lastErr error
	for attempt := 1; attempt <= mailAttempts; attempt++ {
		lastErr = m.sender.Send(ctx, env)
		if lastErr == nil {
			logrus.WithField("kind", alert.Kind).Info("Operator alert sent")
			return nil
		}
		logrus.Warnf("Failed to send operator alert (attempt %d/%d): %v", attempt, mailAttempts, lastErr)

		var serr *smtp.SMTPError
		if !errors.As(lastErr, &serr) || !serr.Temporary() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff(attempt)):
		}
	}
	return fmt.Errorf("failed to send operator alert: %w", lastErr)
}

func (m *OperatorMailer) compose(alert notify.Alert) ([]byte, error) {
	var h mail.Header
	date := alert.Time
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(alert.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: m.from}})
	to := make([]*mail.Address, 0, len(m.recipients))
	for _, r := range m.recipients {
		to = append(to, &mail.Address{Address: r})
	}
	h.SetAddressList("To", to)
	h.Set("X-Alert-Kind", string(alert.Kind))
	h.Set("Auto-Submitted", "auto-generated")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, alert.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
