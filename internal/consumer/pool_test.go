package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/transport"
)

// fakeBus fans every published payload out to every open subscription,
// mimicking the pub/sub delivery amplification the pool must absorb.
type fakeBus struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (b *fakeBus) Publish(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.deliver(data)
	}
	return nil
}

func (b *fakeBus) PublishBatch(ctx context.Context, batch [][]byte) (int, error) {
	for _, data := range batch {
		if err := b.Publish(ctx, data); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

func (b *fakeBus) Subscribe(ctx context.Context) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSubscription{ch: make(chan []byte, 64)}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

func (b *fakeBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBus) closedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if sub.isClosed() {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *fakeSubscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
	}
}

func (s *fakeSubscription) Receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	if s.isClosed() {
		return nil, transport.ErrClosed
	}
	select {
	case data := <-s.ch:
		return data, nil
	case <-time.After(10 * time.Millisecond):
		return nil, transport.ErrNoMessage
	case <-ctx.Done():
		return nil, transport.ErrClosed
	}
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// countingIngestor records every admission it sees.
type countingIngestor struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingIngestor) IngestOne(ctx context.Context, ev models.Event, workerID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, workerID+":"+ev.Key())
	return false, nil
}

func (c *countingIngestor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func encodedEvent(t *testing.T, id string) []byte {
	t.Helper()
	ev := models.Event{
		Topic:     "t",
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Source:    "s",
		Payload:   map[string]interface{}{},
	}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	return data
}

func TestPoolFanOutDelivery(t *testing.T) {
	bus := &fakeBus{}
	ing := &countingIngestor{}
	pool := NewPool(bus, ing, 4, zerolog.Nop())

	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return bus.subscriberCount() == 4 })

	if err := bus.Publish(context.Background(), encodedEvent(t, "e1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Every worker holds its own subscription, so a single publish reaches
	// the coordinator once per worker.
	waitFor(t, func() bool { return ing.count() == 4 })
}

func TestPoolDropsInvalidPayloads(t *testing.T) {
	bus := &fakeBus{}
	ing := &countingIngestor{}
	pool := NewPool(bus, ing, 2, zerolog.Nop())

	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return bus.subscriberCount() == 2 })

	if err := bus.Publish(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), []byte(`{"topic":"  ","event_id":"x","timestamp":"2024-01-01T00:00:00Z","source":"s"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), encodedEvent(t, "good")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return ing.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := ing.count(); got != 2 {
		t.Fatalf("invalid payloads reached the ingestor: %d calls", got)
	}
}

func TestPoolStopUnsubscribesAllWorkers(t *testing.T) {
	bus := &fakeBus{}
	ing := &countingIngestor{}
	pool := NewPool(bus, ing, 3, zerolog.Nop())

	pool.Start(context.Background())
	waitFor(t, func() bool { return bus.subscriberCount() == 3 })

	pool.Stop()
	if got := bus.closedCount(); got != 3 {
		t.Fatalf("expected 3 closed subscriptions after Stop, got %d", got)
	}

	// Stop is idempotent.
	pool.Stop()
}

func TestPoolStopHonoursParentCancel(t *testing.T) {
	bus := &fakeBus{}
	ing := &countingIngestor{}
	pool := NewPool(bus, ing, 2, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	waitFor(t, func() bool { return bus.subscriberCount() == 2 })

	cancel()
	waitFor(t, func() bool { return bus.closedCount() == 2 })
	pool.Stop()
}
