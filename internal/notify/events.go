// Package notify defines the events this service emits and fans them out to
// observers injected by the hosting process.
package notify

import (
	"context"
	"time"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/model"
	"mail-deliverability-go/internal/policy"
)

// BounceDetected is emitted after every bounce appended to the store.
type BounceDetected struct {
	ID               string              `json:"id"`
	Email            string              `json:"email"`
	UserID           *uint               `json:"user_id,omitempty"`
	Event            bounce.Event        `json:"event"`
	Counts           policy.Counts       `json:"counts"`
	ShouldDeactivate bool                `json:"should_deactivate"`
	Record           *model.BounceRecord `json:"record"`
}

// UserLinked reports whether the bounced address belongs to a known account.
func (b BounceDetected) UserLinked() bool {
	return b.UserID != nil
}

// DeliveryLeftQueue is emitted for every message the transport log shows as
// removed from the queue.
type DeliveryLeftQueue struct {
	ID          string   `json:"id"`
	QueueID     string   `json:"queue_id"`
	To          string   `json:"to"`
	FromAddress string   `json:"from_address"`
	MessageID   string   `json:"message_id"`
	Status      string   `json:"status"`
	Log         []string `json:"log"`
}

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertBadBounceAddress AlertKind = "bad_bounce_address"
	AlertNoBounceDetected AlertKind = "no_bounce_detected"
)

// Alert is a message for the operators.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Time    time.Time `json:"time"`
}

// BounceObserver receives BounceDetected events.
type BounceObserver interface {
	HandleBounce(ctx context.Context, ev BounceDetected) error
}

// DeliveryObserver receives DeliveryLeftQueue events.
type DeliveryObserver interface {
	HandleDelivery(ctx context.Context, ev DeliveryLeftQueue) error
}

// OperatorNotifier receives operator alerts.
type OperatorNotifier interface {
	NotifyOperators(ctx context.Context, alert Alert) error
}

// BounceObserverFunc adapts a function to BounceObserver.
type BounceObserverFunc func(ctx context.Context, ev BounceDetected) error

func (f BounceObserverFunc) HandleBounce(ctx context.Context, ev BounceDetected) error {
	return f(ctx, ev)
}

// DeliveryObserverFunc adapts a function to DeliveryObserver.
type DeliveryObserverFunc func(ctx context.Context, ev DeliveryLeftQueue) error

func (f DeliveryObserverFunc) HandleDelivery(ctx context.Context, ev DeliveryLeftQueue) error {
	return f(ctx, ev)
}

// OperatorNotifierFunc adapts a function to OperatorNotifier.
type OperatorNotifierFunc func(ctx context.Context, alert Alert) error

func (f OperatorNotifierFunc) NotifyOperators(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}
