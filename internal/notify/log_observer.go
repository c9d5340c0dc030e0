package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogObserver writes every event to the structured log.
type LogObserver struct{}

func (LogObserver) HandleBounce(_ context.Context, ev BounceDetected) error {
	logrus.WithFields(logrus.Fields{
		"email":             ev.Email,
		"user_linked":       ev.UserLinked(),
		"bounce_type":       ev.Event.Type,
		"status":            ev.Event.Status.String(),
		"hard_in_window":    ev.Counts.HardInWindow,
		"soft_in_window":    ev.Counts.SoftInWindow,
		"should_deactivate": ev.ShouldDeactivate,
	}).Info("Bounce detected")
	return nil
}

func (LogObserver) HandleDelivery(_ context.Context, ev DeliveryLeftQueue) error {
	logrus.WithFields(logrus.Fields{
		"queue_id":   ev.QueueID,
		"message_id": ev.MessageID,
		"to":         ev.To,
		"from":       ev.FromAddress,
		"status":     ev.Status,
	}).Info("Delivery left queue")
	return nil
}

func (LogObserver) NotifyOperators(_ context.Context, alert Alert) error {
	logrus.WithField("kind", alert.Kind).Warnf("%s: %s", alert.Subject, alert.Body)
	return nil
}
