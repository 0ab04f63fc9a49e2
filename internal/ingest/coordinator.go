// Package ingest holds the coordinator that both delivery paths converge on:
// worker-delivered messages and synchronous HTTP submissions.
package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/store"
)

// Coordinator is a thin policy layer above the store. It deliberately keeps
// no dedup state of its own: uniqueness and atomicity are the store's job,
// which is what keeps multi-worker fan-out correct when the same event
// arrives W times within microseconds.
type Coordinator struct {
	store store.Store
	log   zerolog.Logger
}

// New constructs a coordinator.
func New(st store.Store, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: st, log: log}
}

// IngestOne admits a single event and reports whether it was a duplicate.
func (c *Coordinator) IngestOne(ctx context.Context, ev models.Event, workerID string) (bool, error) {
	res, err := c.store.Admit(ctx, ev, workerID)
	if err != nil {
		return false, err
	}
	if res.WasNew {
		c.log.Debug().Str("worker_id", workerID).Str("key", ev.Key()).Msg("event processed")
	} else {
		c.log.Debug().Str("worker_id", workerID).Str("key", ev.Key()).Msg("duplicate dropped")
	}
	return !res.WasNew, nil
}

// IngestBatch admits all events in one store transaction and returns the
// processed and duplicate counts.
func (c *Coordinator) IngestBatch(ctx context.Context, evs []models.Event, submitterID string) (int, int, error) {
	res, err := c.store.AdmitBatch(ctx, evs, submitterID)
	if err != nil {
		return 0, 0, err
	}
	c.log.Info().
		Str("submitter_id", submitterID).
		Int("processed", res.Processed).
		Int("duplicates", res.Duplicates).
		Msg("batch processed")
	return res.Processed, res.Duplicates, nil
}
