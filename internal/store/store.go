// Package store implements the transactional persistence layer: idempotent
// event admission, atomic counter updates, the audit trail and the read-side
// queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/loghorn/aggregator/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AdmitResult reports the outcome of a single admission.
type AdmitResult struct {
	// WasNew is true when this admission inserted the event, false when the
	// event key already existed and the attempt was recorded as a duplicate.
	WasNew bool
}

// BatchResult reports the outcome of a batch admission.
type BatchResult struct {
	Processed  int
	Duplicates int
}

// Store is the persistence abstraction used by the ingest coordinator, the
// HTTP facade and the audit archiver.
type Store interface {
	// Admit inserts-or-ignores one event, updates the stats counters and
	// appends an audit row, all in a single transaction.
	Admit(ctx context.Context, ev models.Event, workerID string) (AdmitResult, error)

	// AdmitBatch admits all events inside one transaction: per-event insert
	// and audit row, then a single stats update with the batch totals.
	AdmitBatch(ctx context.Context, evs []models.Event, workerID string) (BatchResult, error)

	// ListEvents returns stored events newest-first, optionally filtered by
	// topic. The limit is clamped to [1, 1000]; negative offsets become 0.
	ListEvents(ctx context.Context, topic string, limit, offset int) ([]models.StoredEvent, error)

	// CountEvents returns the total number of stored events, optionally
	// filtered by topic.
	CountEvents(ctx context.Context, topic string) (int, error)

	// StatsSnapshot returns the singleton counters plus the per-topic
	// breakdown, counts descending. UptimeSeconds is left for the caller.
	StatsSnapshot(ctx context.Context) (models.StatsResponse, error)

	// FetchAuditBatch returns up to limit audit rows recorded before the
	// cutoff, oldest first. Used by the out-of-band archiver, never by the
	// ingest path.
	FetchAuditBatch(ctx context.Context, olderThan time.Time, limit int) ([]models.AuditRecord, error)

	// DeleteAuditRecords removes archived audit rows by id.
	DeleteAuditRecords(ctx context.Context, ids []int64) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// PoolConfig tunes the database connection pool.
type PoolConfig struct {
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

// DefaultPoolConfig mirrors the service defaults: 5 idle, 20 open, 60s
// per-statement bound.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:     20,
		MaxIdleConns:     5,
		ConnMaxLifetime:  30 * time.Minute,
		StatementTimeout: 60 * time.Second,
	}
}

// Open opens and tunes a Postgres connection pool.
func Open(databaseURL string, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}
