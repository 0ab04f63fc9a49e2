// Package consumer runs the pool of symmetric workers that drain the fan-out
// subscription and hand decoded events to the ingest coordinator.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/transport"
)

const (
	// pollWait bounds a single receive so idle workers observe shutdown at
	// least once per second.
	pollWait = time.Second

	// receiveDeadline is the hard cap around one receive attempt.
	receiveDeadline = 2 * time.Second

	// errorBackoff is the pause after a transient processing error. Pub/sub
	// has no ack, so the message is not re-queued.
	errorBackoff = 100 * time.Millisecond
)

// Ingestor is the slice of the coordinator the workers need.
type Ingestor interface {
	IngestOne(ctx context.Context, ev models.Event, workerID string) (wasDuplicate bool, err error)
}

// Pool is a set of W symmetric consumer workers sharing one fan-out channel.
// Every worker receives every message; the store makes that harmless.
type Pool struct {
	bus      transport.Bus
	ingestor Ingestor
	workers  int
	log      zerolog.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewPool builds a pool of the given size (minimum 1).
func NewPool(bus transport.Bus, ingestor Ingestor, workers int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		bus:      bus,
		ingestor: ingestor,
		workers:  workers,
		log:      log,
	}
}

// Start spawns the workers. Each acquires its own subscription; a worker
// that cannot subscribe logs the failure and exits, it does not take the
// pool down.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.log.Info().Int("workers", p.workers).Msg("starting consumer workers")
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
}

// Stop signals shutdown and waits for every worker to unsubscribe and
// return. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info().Msg("all workers stopped")
	})
}

func (p *Pool) run(ctx context.Context, workerID string) {
	log := p.log.With().Str("worker_id", workerID).Logger()

	sub, err := p.bus.Subscribe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("subscribe failed")
		return
	}
	defer func() {
		_ = sub.Close()
		log.Info().Msg("worker stopped")
	}()
	log.Info().Msg("subscribed")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rctx, cancel := context.WithTimeout(ctx, receiveDeadline)
		data, err := sub.Receive(rctx, pollWait)
		cancel()

		switch {
		case errors.Is(err, transport.ErrNoMessage):
			continue
		case errors.Is(err, transport.ErrClosed):
			if ctx.Err() == nil {
				log.Warn().Msg("subscription closed, worker exiting")
			}
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("receive failed")
			time.Sleep(errorBackoff)
			continue
		}

		ev, err := models.ParseEvent(data)
		if err != nil {
			log.Warn().Err(err).Msg("invalid event dropped")
			continue
		}

		if _, err := p.ingestor.IngestOne(ctx, ev, workerID); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("key", ev.Key()).Msg("ingest failed")
			time.Sleep(errorBackoff)
		}
	}
}
