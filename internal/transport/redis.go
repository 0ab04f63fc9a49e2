package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub. Redis fans every published
// message out to every subscriber, so a pool of N workers receives each
// message N times; the store absorbs the amplification.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects a Redis client for the given URL and channel.
func NewRedisBus(redisURL, channel string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisBus{
		client:  redis.NewClient(opts),
		channel: channel,
	}, nil
}

// Ping probes the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends one payload to the channel.
func (b *RedisBus) Publish(ctx context.Context, data []byte) error {
	return b.client.Publish(ctx, b.channel, data).Err()
}

// PublishBatch pipelines all payloads so N messages incur one round-trip.
// The returned count is the number of messages that reached at least one
// subscriber.
func (b *RedisBus) PublishBatch(ctx context.Context, batch [][]byte) (int, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(batch))
	for _, data := range batch {
		cmds = append(cmds, pipe.Publish(ctx, b.channel, data))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	published := 0
	for _, cmd := range cmds {
		if receivers, err := cmd.Result(); err == nil && receivers > 0 {
			published++
		}
	}
	return published, nil
}

// Subscribe attaches a pub/sub subscriber to the channel.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Force the SUBSCRIBE round-trip so a broken connection fails here
	// rather than on the first Receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

// Close shuts down the client; subscriptions drain with ErrClosed.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, wait)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil, ErrClosed
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			// Bounded wait elapsed, either the poll timeout or the caller's
			// hard deadline.
			return nil, ErrNoMessage
		}
		return nil, err
	}
	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription confirmations and pongs are not payloads.
		return nil, ErrNoMessage
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
