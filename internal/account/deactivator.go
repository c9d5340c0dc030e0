package account

import (
	"context"

	"github.com/sirupsen/logrus"

	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
)

type deactivator interface {
	Deactivate(ctx context.Context, id uint) (bool, error)
}

// Deactivator observes bounces and deactivates linked accounts once the
// policy says so.
type Deactivator struct {
	accounts deactivator
	metrics  *metrics.Metrics
}

func NewDeactivator(accounts deactivator, m *metrics.Metrics) *Deactivator {
	return &Deactivator{accounts: accounts, metrics: m}
}

func (d *Deactivator) HandleBounce(ctx context.Context, ev notify.BounceDetected) error {
	if !ev.ShouldDeactivate || !ev.UserLinked() {
		return nil
	}

	done, err := d.accounts.Deactivate(ctx, *ev.UserID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"user_id":        *ev.UserID,
		"email":          ev.Email,
		"hard_in_window": ev.Counts.HardInWindow,
		"soft_in_window": ev.Counts.SoftInWindow,
	}).Info("Deactivated account after repeated bounces")
	if d.metrics != nil {
		d.metrics.Deactivations.Inc()
	}
	return nil
}
