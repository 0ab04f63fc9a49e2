// Package archive implements the out-of-band audit-log retention job: audit
// rows older than the retention window are exported to object storage in
// batches and deleted. The ingest path never reads the audit log; this is
// the operator-side truncation mechanism.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/models"
)

// AuditSource is the slice of the store the archiver needs.
type AuditSource interface {
	FetchAuditBatch(ctx context.Context, olderThan time.Time, limit int) ([]models.AuditRecord, error)
	DeleteAuditRecords(ctx context.Context, ids []int64) error
}

// Config tunes the archiver loop. Zero values get defaults.
type Config struct {
	Prefix       string
	Retention    time.Duration
	BatchSize    int
	PollInterval time.Duration
}

// Archiver periodically drains expired audit rows to an Uploader.
type Archiver struct {
	src AuditSource
	up  Uploader
	cfg Config
	log zerolog.Logger
}

// New constructs an archiver.
func New(src AuditSource, up Uploader, cfg Config, log zerolog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Archiver{src: src, up: up, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled, draining one batch per pass and
// sleeping PollInterval when the backlog is empty or a pass fails.
func (a *Archiver) Run(ctx context.Context) error {
	a.log.Info().
		Dur("retention", a.cfg.Retention).
		Int("batch_size", a.cfg.BatchSize).
		Msg("audit archiver started")
	defer a.log.Info().Msg("audit archiver stopped")

	timer := time.NewTimer(a.cfg.PollInterval)
	defer timer.Stop()

	for {
		n, err := a.ArchiveOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Error().Err(err).Msg("archive pass failed")
		}
		if n == a.cfg.BatchSize {
			// Backlog remains, keep draining without sleeping.
			continue
		}

		timer.Reset(a.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ArchiveOnce exports and deletes at most one batch of expired audit rows.
// It returns the number of rows archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.cfg.Retention)
	records, err := a.src.FetchAuditBatch(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch audit batch: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("marshal audit batch: %w", err)
	}

	first, last := records[0], records[len(records)-1]
	key := objectKey(a.cfg.Prefix, first.RecordedAt, first.ID, last.ID)
	if err := a.up.Upload(ctx, key, body); err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := a.src.DeleteAuditRecords(ctx, ids); err != nil {
		// The object is already uploaded; a retried pass uploads the same
		// rows again rather than losing them (under the same key when the
		// batch is unchanged).
		return 0, fmt.Errorf("delete archived rows: %w", err)
	}

	a.log.Info().Int("rows", len(records)).Str("key", key).Msg("audit batch archived")
	return len(records), nil
}

// objectKey builds keys like <prefix>/audit/2024/01/02/audit-17-512.json,
// dated by the first row in the batch.
func objectKey(prefix string, ts time.Time, firstID, lastID int64) string {
	year, month, day := ts.UTC().Date()
	return path.Join(prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("audit-%d-%d.json", firstID, lastID),
	)
}
