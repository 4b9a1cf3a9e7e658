package consumer

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/omochice/ix-interface/internal/ix"
)

// Publisher is the subset of *redis.Client used by Redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Channel returns the default channel for identity's local messages.
func Channel(identity string) string {
	return fmt.Sprintf("ix:local:%s", identity)
}

// Dial connects to the Redis server at redisURL and checks it responds.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// Redis publishes every envelope as JSON on a pub/sub channel.
type Redis struct {
	client  Publisher
	channel string
}

// NewRedis creates a Redis consumer publishing on channel.
func NewRedis(client Publisher, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Consume implements ix.LocalConsumer.
func (r *Redis) Consume(ctx context.Context, env ix.Envelope) error {
	data, err := sonic.Marshal(NewMessage(env))
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}
