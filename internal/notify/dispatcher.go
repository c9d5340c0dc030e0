package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Dispatcher fans events out to every registered observer. An observer that
// fails does not stop delivery to the others; all errors are joined.
type Dispatcher struct {
	bounces    []BounceObserver
	deliveries []DeliveryObserver
	operators  []OperatorNotifier
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) AddBounceObserver(o BounceObserver) *Dispatcher {
	d.bounces = append(d.bounces, o)
	return d
}

func (d *Dispatcher) AddDeliveryObserver(o DeliveryObserver) *Dispatcher {
	d.deliveries = append(d.deliveries, o)
	return d
}

func (d *Dispatcher) AddOperatorNotifier(o OperatorNotifier) *Dispatcher {
	d.operators = append(d.operators, o)
	return d
}

func (d *Dispatcher) HandleBounce(ctx context.Context, ev BounceDetected) error {
	var errs []error
	for i, o := range d.bounces {
		if err := o.HandleBounce(ctx, ev); err != nil {
			logrus.WithField("email", ev.Email).Errorf("Bounce observer %d failed: %v", i, err)
			errs = append(errs, fmt.Errorf("bounce observer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) HandleDelivery(ctx context.Context, ev DeliveryLeftQueue) error {
	var errs []error
	for i, o := range d.deliveries {
		if err := o.HandleDelivery(ctx, ev); err != nil {
			logrus.WithField("queue_id", ev.QueueID).Errorf("Delivery observer %d failed: %v", i, err)
			errs = append(errs, fmt.Errorf("delivery observer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) NotifyOperators(ctx context.Context, alert Alert) error {
	var errs []error
	for i, o := range d.operators {
		if err := o.NotifyOperators(ctx, alert); err != nil {
			logrus.WithField("kind", alert.Kind).Errorf("Operator notifier %d failed: %v", i, err)
			errs = append(errs, fmt.Errorf("operator notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
