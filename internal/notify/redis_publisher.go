package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-deliverability-go/internal/config"
)

const (
	channelBounceDetected    = "bounce-detected"
	channelDeliveryLeftQueue = "delivery-left-queue"
	channelAlerts            = "alerts"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes every event as JSON on a Redis pub/sub channel
// named <prefix>.<event>.
type RedisPublisher struct {
	client publisher
	prefix string
}

func NewRedisPublisher(client publisher, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "deliverability"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// ConnectRedis opens a client for cfg and checks it with PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) HandleBounce(ctx context.Context, ev BounceDetected) error {
	return p.publish(ctx, channelBounceDetected, ev)
}

func (p *RedisPublisher) HandleDelivery(ctx context.Context, ev DeliveryLeftQueue) error {
	return p.publish(ctx, channelDeliveryLeftQueue, ev)
}

func (p *RedisPublisher) NotifyOperators(ctx context.Context, alert Alert) error {
	return p.publish(ctx, channelAlerts, alert)
}

func (p *RedisPublisher) publish(ctx context.Context, name string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	channel := p.prefix + "." + name
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}
