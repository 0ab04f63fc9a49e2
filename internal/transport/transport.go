// Package transport provides the fan-out pub/sub adapter the aggregator
// publishes to and the consumer workers subscribe from. Two engines exist:
// Redis pub/sub and Kafka with per-subscriber consumer groups. Both deliver
// every message to every subscriber.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNoMessage reports that the bounded wait elapsed with nothing to
	// deliver. Callers poll again.
	ErrNoMessage = errors.New("transport: no message")

	// ErrClosed reports that the subscription or the underlying client was
	// shut down.
	ErrClosed = errors.New("transport: closed")
)

// Subscription is one subscriber's handle on the configured channel.
// Subscribe and Close are idempotent.
type Subscription interface {
	// Receive blocks for at most wait and returns one raw message payload,
	// ErrNoMessage when the wait elapsed, or ErrClosed after shutdown.
	Receive(ctx context.Context, wait time.Duration) ([]byte, error)

	// Close unsubscribes and releases the subscription.
	Close() error
}

// Bus is the transport client. Safe for concurrent publish; per-subscriber
// state lives inside each Subscription.
type Bus interface {
	// Publish sends one raw payload to the configured channel.
	Publish(ctx context.Context, data []byte) error

	// PublishBatch sends all payloads in one round-trip where the engine
	// supports it and returns the number delivered to the channel.
	PublishBatch(ctx context.Context, batch [][]byte) (int, error)

	// Subscribe attaches a new subscriber to the configured channel.
	Subscribe(ctx context.Context) (Subscription, error)

	// Ping probes connectivity.
	Ping(ctx context.Context) error

	// Close shuts the client down. The Kafka engine closes only its writer:
	// receives on its open subscriptions are not interrupted and end when
	// each Subscription is closed or its context is cancelled.
	Close() error
}

// New builds a Bus for the given transport URL. The scheme selects the
// engine: redis:// (or rediss://) for Redis pub/sub, kafka:// for Kafka.
func New(transportURL, channel string) (Bus, error) {
	u, err := url.Parse(transportURL)
	if err != nil {
		return nil, fmt.Errorf("parse transport url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return NewRedisBus(transportURL, channel)
	case "kafka":
		return NewKafkaBus(u, channel)
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}
