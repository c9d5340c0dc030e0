package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

type encoder interface {
	Encode(email string) (string, error)
}

// VERPSender sends one copy per recipient with that recipient encoded in
// the return path, so a later bounce can be traced back to it.
type VERPSender struct {
	next  Sender
	codec encoder
}

func NewVERPSender(next Sender, codec encoder) *VERPSender {
	return &VERPSender{next: next, codec: codec}
}

// Send ignores env.From. Refusals of all copies are merged into one
// *RecipientsRefusedError.
func (v *VERPSender) Send(ctx context.Context, env Envelope) error {
	refused := map[string]*smtp.SMTPError{}
	var errs []error

	for _, rcpt := range env.To {
		from, err := v.codec.Encode(rcpt)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to encode return path for %s: %w", rcpt, err))
			continue
		}

		err = v.next.Send(ctx, Envelope{From: from, To: []string{rcpt}, Data: env.Data})
		var r *RecipientsRefusedError
		switch {
		case err == nil:
		case errors.As(err, &r):
			for k, serr := range r.Refused {
				refused[k] = serr
			}
		default:
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", rcpt, err))
		}
	}

	if len(refused) > 0 {
		errs = append(errs, &RecipientsRefusedError{Refused: refused})
	}
	return errors.Join(errs...)
}
