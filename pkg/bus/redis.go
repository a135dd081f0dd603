package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/skyblockdynamic/nestworld/pkg/log"
)

// RedisBus implements Bus on Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects to Redis using a URL of the form
// redis://host:port/db.
func NewRedisBus(redisURL, channel string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisBus{
		client:  redis.NewClient(opts),
		channel: channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, recipientIDs []string, event Event) error {
	raw, err := json.Marshal(Envelope{RecipientIDs: recipientIDs, Event: event})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	logger := log.WithComponent("bus")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				logger.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			handler(envelope)
		}
	}
}

func (b *RedisBus) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
