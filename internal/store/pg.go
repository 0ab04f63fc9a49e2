package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/loghorn/aggregator/internal/models"
)

// PGStore persists events, audit rows and the stats singleton into Postgres.
//
// Deduplication relies entirely on the UNIQUE (topic, event_id) constraint:
// the insert uses ON CONFLICT DO NOTHING, counter updates are expressed as
// relative increments, and everything runs at read committed isolation. No
// application-level lock exists anywhere on this path.
type PGStore struct {
	db          *sql.DB
	stmtTimeout time.Duration
}

// NewPGStore constructs a Postgres-backed store. A zero statement timeout
// falls back to 60s.
func NewPGStore(db *sql.DB, stmtTimeout time.Duration) *PGStore {
	if stmtTimeout <= 0 {
		stmtTimeout = 60 * time.Second
	}
	return &PGStore{db: db, stmtTimeout: stmtTimeout}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *PGStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.stmtTimeout)
}

const insertEventSQL = `
	INSERT INTO events (topic, event_id, timestamp, source, payload, worker_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (topic, event_id) DO NOTHING
	RETURNING id
`

const updateStatsSQL = `
	UPDATE stats
	SET received = received + $1,
	    unique_processed = unique_processed + $2,
	    duplicate_dropped = duplicate_dropped + $3,
	    last_updated_at = NOW()
	WHERE id = 1
`

const insertAuditSQL = `
	INSERT INTO audit_log (topic, event_id, is_duplicate, worker_id)
	VALUES ($1, $2, $3, $4)
`

// insertEvent runs the idempotent insert for one event inside tx and reports
// whether a row was actually inserted.
func insertEvent(ctx context.Context, tx *sql.Tx, ev models.Event, workerID string) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, insertEventSQL,
		ev.Topic, ev.EventID, ev.Timestamp, ev.Source, payload, workerID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return true, nil
}

// Admit performs the core write primitive: insert-or-ignore the event, bump
// the stats counters and append an audit row, in one transaction. A conflict
// on the event key is not an error; it surfaces as WasNew=false.
func (p *PGStore) Admit(ctx context.Context, ev models.Event, workerID string) (AdmitResult, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	wasNew, err := insertEvent(ctx, tx, ev, workerID)
	if err != nil {
		return AdmitResult{}, err
	}

	uniqueDelta, dupDelta := 1, 0
	if !wasNew {
		uniqueDelta, dupDelta = 0, 1
	}
	if _, err := tx.ExecContext(ctx, updateStatsSQL, 1, uniqueDelta, dupDelta); err != nil {
		return AdmitResult{}, fmt.Errorf("update stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertAuditSQL, ev.Topic, ev.EventID, !wasNew, workerID); err != nil {
		return AdmitResult{}, fmt.Errorf("insert audit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdmitResult{}, fmt.Errorf("commit admit: %w", err)
	}
	tx = nil
	return AdmitResult{WasNew: wasNew}, nil
}

// AdmitBatch admits all events atomically: per-event insert and audit row,
// then one stats update with the batch totals so the counters see a single
// O(1) write regardless of batch size.
func (p *PGStore) AdmitBatch(ctx context.Context, evs []models.Event, workerID string) (BatchResult, error) {
	if len(evs) == 0 {
		return BatchResult{}, nil
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var res BatchResult
	for _, ev := range evs {
		wasNew, err := insertEvent(ctx, tx, ev, workerID)
		if err != nil {
			return BatchResult{}, err
		}
		if wasNew {
			res.Processed++
		} else {
			res.Duplicates++
		}
		if _, err := tx.ExecContext(ctx, insertAuditSQL, ev.Topic, ev.EventID, !wasNew, workerID); err != nil {
			return BatchResult{}, fmt.Errorf("insert audit row: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, updateStatsSQL, len(evs), res.Processed, res.Duplicates); err != nil {
		return BatchResult{}, fmt.Errorf("update stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	tx = nil
	return res, nil
}

// clampPage normalizes pagination inputs: limit into [1, 1000], offset >= 0.
func clampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListEvents returns stored events newest-first by timestamp, optionally
// filtered by topic.
func (p *PGStore) ListEvents(ctx context.Context, topic string, limit, offset int) ([]models.StoredEvent, error) {
	limit, offset = clampPage(limit, offset)

	ctx, cancel := p.bound(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if topic != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT topic, event_id, timestamp, source, payload, worker_id, processed_at
			FROM events
			WHERE topic = $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`, topic, limit, offset)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT topic, event_id, timestamp, source, payload, worker_id, processed_at
			FROM events
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.StoredEvent, 0, limit)
	for rows.Next() {
		var (
			ev      models.StoredEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Topic, &ev.EventID, &ev.Timestamp, &ev.Source, &payload, &ev.WorkerID, &ev.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Payload = map[string]interface{}{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s/%s: %w", ev.Topic, ev.EventID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// CountEvents returns the total stored event count, optionally filtered by
// topic.
func (p *PGStore) CountEvents(ctx context.Context, topic string) (int, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var (
		count int
		err   error
	)
	if topic != "" {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE topic = $1`, topic).Scan(&count)
	} else {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// StatsSnapshot reads the singleton counters and the per-topic breakdown.
// duplicate_rate is a percentage rounded to two decimals; 0.0 when nothing
// was received yet. UptimeSeconds is filled in by the caller.
func (p *PGStore) StatsSnapshot(ctx context.Context) (models.StatsResponse, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var snap models.StatsResponse
	err := p.db.QueryRowContext(ctx, `
		SELECT received, unique_processed, duplicate_dropped, started_at, last_updated_at
		FROM stats WHERE id = 1
	`).Scan(&snap.Received, &snap.UniqueProcessed, &snap.DuplicateDropped, &snap.StartedAt, &snap.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return models.StatsResponse{}, fmt.Errorf("stats row missing: %w", ErrNotFound)
	}
	if err != nil {
		return models.StatsResponse{}, fmt.Errorf("query stats: %w", err)
	}

	if snap.Received > 0 {
		rate := float64(snap.DuplicateDropped) / float64(snap.Received) * 100
		snap.DuplicateRate = math.Round(rate*100) / 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT topic, COUNT(*) AS event_count
		FROM events
		GROUP BY topic
		ORDER BY event_count DESC
	`)
	if err != nil {
		return models.StatsResponse{}, fmt.Errorf("query topic counts: %w", err)
	}
	defer rows.Close()

	snap.Topics = []models.TopicStats{}
	for rows.Next() {
		var ts models.TopicStats
		if err := rows.Scan(&ts.Topic, &ts.EventCount); err != nil {
			return models.StatsResponse{}, fmt.Errorf("scan topic row: %w", err)
		}
		snap.Topics = append(snap.Topics, ts)
	}
	if err := rows.Err(); err != nil {
		return models.StatsResponse{}, fmt.Errorf("iterate topic rows: %w", err)
	}
	snap.TopicCount = len(snap.Topics)
	return snap, nil
}

// FetchAuditBatch returns up to limit audit rows recorded before the cutoff,
// oldest first.
func (p *PGStore) FetchAuditBatch(ctx context.Context, olderThan time.Time, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, topic, event_id, is_duplicate, worker_id, recorded_at
		FROM audit_log
		WHERE recorded_at < $1
		ORDER BY recorded_at ASC, id ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	records := make([]models.AuditRecord, 0, limit)
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.EventID, &rec.IsDuplicate, &rec.WorkerID, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return records, nil
}

// DeleteAuditRecords removes archived audit rows by id.
func (p *PGStore) DeleteAuditRecords(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete audit rows: %w", err)
	}
	return nil
}
