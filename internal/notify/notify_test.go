package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-deliverability-go/internal/bounce"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	sent []published
	err  error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func TestDispatcherFansOutAndJoinsErrors(t *testing.T) {
	var got []string
	boom := errors.New("observer down")

	d := NewDispatcher().
		AddBounceObserver(BounceObserverFunc(func(_ context.Context, ev BounceDetected) error {
			got = append(got, "first:"+ev.Email)
			return boom
		})).
		AddBounceObserver(BounceObserverFunc(func(_ context.Context, ev BounceDetected) error {
			got = append(got, "second:"+ev.Email)
			return nil
		}))

	err := d.HandleBounce(context.Background(), BounceDetected{Email: "a@example.com"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first:a@example.com", "second:a@example.com"}, got)
}

func TestDispatcherDeliveriesAndAlerts(t *testing.T) {
	var deliveries, alerts int
	d := NewDispatcher().
		AddDeliveryObserver(DeliveryObserverFunc(func(context.Context, DeliveryLeftQueue) error {
			deliveries++
			return nil
		})).
		AddOperatorNotifier(OperatorNotifierFunc(func(context.Context, Alert) error {
			alerts++
			return nil
		})).
		AddOperatorNotifier(LogObserver{})

	require.NoError(t, d.HandleDelivery(context.Background(), DeliveryLeftQueue{QueueID: "ABC"}))
	require.NoError(t, d.NotifyOperators(context.Background(), Alert{Kind: AlertBadBounceAddress}))
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 1, alerts)

	assert.NoError(t, NewDispatcher().HandleBounce(context.Background(), BounceDetected{}))
}

func TestRedisPublisherChannels(t *testing.T) {
	client := &fakeRedis{}
	p := NewRedisPublisher(client, "mail")
	ctx := context.Background()

	require.NoError(t, p.HandleBounce(ctx, BounceDetected{
		ID:    "1",
		Email: "a@example.com",
		Event: bounce.Event{IsBounce: true, Type: bounce.TypeHard},
	}))
	require.NoError(t, p.HandleDelivery(ctx, DeliveryLeftQueue{QueueID: "Q1", Status: "sent"}))
	require.NoError(t, p.NotifyOperators(ctx, Alert{Kind: AlertNoBounceDetected, Time: time.Unix(0, 0).UTC()}))

	require.Len(t, client.sent, 3)
	assert.Equal(t, "mail.bounce-detected", client.sent[0].channel)
	assert.Equal(t, "mail.delivery-left-queue", client.sent[1].channel)
	assert.Equal(t, "mail.alerts", client.sent[2].channel)

	var decoded BounceDetected
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &decoded))
	assert.Equal(t, "a@example.com", decoded.Email)
	assert.Equal(t, bounce.TypeHard, decoded.Event.Type)

	var alert map[string]interface{}
	require.NoError(t, json.Unmarshal(client.sent[2].payload, &alert))
	assert.Equal(t, "no_bounce_detected", alert["kind"])
}

func TestRedisPublisherError(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{err: errors.New("connection refused")}, "")
	err := p.HandleDelivery(context.Background(), DeliveryLeftQueue{QueueID: "Q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliverability.delivery-left-queue")
}
