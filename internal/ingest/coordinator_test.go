package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/store"
)

// fakeStore records admissions and lets tests script the results.
type fakeStore struct {
	store.Store

	admitCalls []string
	admitRes   store.AdmitResult
	admitErr   error

	batchCalls [][]models.Event
	batchRes   store.BatchResult
	batchErr   error
}

func (f *fakeStore) Admit(ctx context.Context, ev models.Event, workerID string) (store.AdmitResult, error) {
	f.admitCalls = append(f.admitCalls, workerID+":"+ev.Key())
	return f.admitRes, f.admitErr
}

func (f *fakeStore) AdmitBatch(ctx context.Context, evs []models.Event, workerID string) (store.BatchResult, error) {
	f.batchCalls = append(f.batchCalls, evs)
	return f.batchRes, f.batchErr
}

func sampleEvent(id string) models.Event {
	return models.Event{
		Topic:     "t",
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Source:    "s",
		Payload:   map[string]interface{}{},
	}
}

func TestIngestOnePassesWorkerID(t *testing.T) {
	fs := &fakeStore{admitRes: store.AdmitResult{WasNew: true}}
	c := New(fs, zerolog.Nop())

	wasDup, err := c.IngestOne(context.Background(), sampleEvent("e1"), "worker-3")
	require.NoError(t, err)
	assert.False(t, wasDup)
	assert.Equal(t, []string{"worker-3:t/e1"}, fs.admitCalls)
}

func TestIngestOneReportsDuplicate(t *testing.T) {
	fs := &fakeStore{admitRes: store.AdmitResult{WasNew: false}}
	c := New(fs, zerolog.Nop())

	wasDup, err := c.IngestOne(context.Background(), sampleEvent("e1"), "worker-0")
	require.NoError(t, err)
	assert.True(t, wasDup)
}

func TestIngestOnePropagatesError(t *testing.T) {
	fs := &fakeStore{admitErr: errors.New("connection reset")}
	c := New(fs, zerolog.Nop())

	_, err := c.IngestOne(context.Background(), sampleEvent("e1"), "worker-0")
	require.Error(t, err)
}

func TestIngestBatch(t *testing.T) {
	fs := &fakeStore{batchRes: store.BatchResult{Processed: 5, Duplicates: 3}}
	c := New(fs, zerolog.Nop())

	evs := []models.Event{sampleEvent("a"), sampleEvent("b")}
	processed, duplicates, err := c.IngestBatch(context.Background(), evs, "api-sync")
	require.NoError(t, err)
	assert.Equal(t, 5, processed)
	assert.Equal(t, 3, duplicates)
	require.Len(t, fs.batchCalls, 1)
	assert.Len(t, fs.batchCalls[0], 2)
}
