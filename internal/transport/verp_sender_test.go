package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefixEncoder struct{}

func (prefixEncoder) Encode(email string) (string, error) {
	if !strings.Contains(email, "@") {
		return "", errors.New("not an address")
	}
	return "bounce+" + strings.Replace(email, "@", "=", 1) + "@mail.example.org", nil
}

type perRecipientSender struct {
	sent    []Envelope
	refuse  map[string]bool
	failing map[string]bool
}

func (p *perRecipientSender) Send(_ context.Context, env Envelope) error {
	p.sent = append(p.sent, env)
	rcpt := env.To[0]
	switch {
	case p.refuse[rcpt]:
		return &RecipientsRefusedError{Refused: map[string]*smtp.SMTPError{rcpt: userUnknown()}}
	case p.failing[rcpt]:
		return errors.New("connection reset")
	}
	return nil
}

func TestVERPSenderEncodesEachRecipient(t *testing.T) {
	next := &perRecipientSender{}
	s := NewVERPSender(next, prefixEncoder{})

	require.NoError(t, s.Send(context.Background(), Envelope{
		From: "ignored@example.org",
		To:   []string{"a@example.com", "b@example.com"},
		Data: []byte("x"),
	}))

	require.Len(t, next.sent, 2)
	assert.Equal(t, "bounce+a=example.com@mail.example.org", next.sent[0].From)
	assert.Equal(t, []string{"a@example.com"}, next.sent[0].To)
	assert.Equal(t, "bounce+b=example.com@mail.example.org", next.sent[1].From)
}

func TestVERPSenderMergesRefusals(t *testing.T) {
	next := &perRecipientSender{
		refuse:  map[string]bool{"a@example.com": true, "c@example.com": true},
		failing: map[string]bool{"d@example.com": true},
	}
	s := NewVERPSender(next, prefixEncoder{})

	err := s.Send(context.Background(), Envelope{To: []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "broken"}})

	var refused *RecipientsRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Len(t, refused.Refused, 2)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "not an address")
	assert.Len(t, next.sent, 4)
}
