package transport

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/notify"
)

type bounceRecorder interface {
	AddBounce(ctx context.Context, email string, ev bounce.Event) (*notify.BounceDetected, error)
}

// BounceAwareSender records recipients refused by the relay as bounces.
type BounceAwareSender struct {
	next       Sender
	classifier *bounce.Classifier
	store      bounceRecorder
	propagate  bool
}

// NewBounceAwareSender wraps next. With propagate set, the refusal error is
// returned to the caller after recording; otherwise it is swallowed.
func NewBounceAwareSender(next Sender, classifier *bounce.Classifier, store bounceRecorder, propagate bool) *BounceAwareSender {
	return &BounceAwareSender{next: next, classifier: classifier, store: store, propagate: propagate}
}

func (b *BounceAwareSender) Send(ctx context.Context, env Envelope) error {
	err := b.next.Send(ctx, env)

	var refused *RecipientsRefusedError
	if !errors.As(err, &refused) {
		return err
	}

	for _, o := range b.classifier.ClassifyRejections(refused.Rejections()) {
		if o.Err != nil {
			logrus.WithField("recipient", o.Recipient).Warnf("Skipping refused recipient: %v", o.Err)
			continue
		}
		if !o.Event.IsBounce {
			continue
		}
		if _, err := b.store.AddBounce(ctx, o.Recipient, o.Event); err != nil {
			logrus.WithField("recipient", o.Recipient).Errorf("Failed to record refused recipient: %v", err)
		}
	}

	if b.propagate {
		return err
	}
	return nil
}
