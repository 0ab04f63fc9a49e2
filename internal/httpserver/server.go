// Package httpserver exposes the submission and query API over chi.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/config"
	"github.com/loghorn/aggregator/internal/ingest"
	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/store"
	"github.com/loghorn/aggregator/internal/transport"
)

const (
	maxBatchEvents = 1000
	maxBodyBytes   = 16 << 20

	syncSubmitterID = "api-sync"
)

// Server wires the HTTP facade to the coordinator, the store's read side and
// the transport.
type Server struct {
	coord     *ingest.Coordinator
	store     store.Store
	bus       transport.Bus
	startedAt time.Time
	log       zerolog.Logger
}

// New constructs a server. startedAt feeds the uptime fields.
func New(coord *ingest.Coordinator, st store.Store, bus transport.Bus, startedAt time.Time, log zerolog.Logger) *Server {
	return &Server{
		coord:     coord,
		store:     st,
		bus:       bus,
		startedAt: startedAt,
		log:       log,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/publish", s.handlePublish)
	r.Get("/events", s.handleListEvents)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	return r
}

// handlePublish accepts either a single event object or {"events": [...]}
// with 1..1000 entries. sync=true admits through the store and returns real
// counts; sync=false publishes to the transport and reports zeros for
// processed/duplicates, with the true counts surfacing in /stats later.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	events, verr := decodeSubmission(body)
	if verr != nil {
		respondError(w, http.StatusBadRequest, verr.Error())
		return
	}

	sync := false
	if val := r.URL.Query().Get("sync"); val != "" {
		sync, _ = strconv.ParseBool(val)
	}

	eventIDs := make([]string, 0, len(events))
	for _, ev := range events {
		eventIDs = append(eventIDs, ev.EventID)
	}

	if sync {
		processed, duplicates, err := s.coord.IngestBatch(r.Context(), events, syncSubmitterID)
		if err != nil {
			s.log.Error().Err(err).Msg("synchronous ingest failed")
			respondError(w, http.StatusInternalServerError, "failed to process events")
			return
		}
		respondJSON(w, http.StatusOK, models.PublishResponse{
			Success:    true,
			Message:    fmt.Sprintf("Processed %d events, %d duplicates dropped", processed, duplicates),
			Received:   len(events),
			Processed:  processed,
			Duplicates: duplicates,
			EventIDs:   eventIDs,
		})
		return
	}

	batch := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := ev.Encode()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "encode event: "+err.Error())
			return
		}
		batch = append(batch, data)
	}
	published, err := s.bus.PublishBatch(r.Context(), batch)
	if err != nil {
		s.log.Error().Err(err).Msg("publish to transport failed")
		respondError(w, http.StatusInternalServerError, "failed to publish events")
		return
	}
	respondJSON(w, http.StatusOK, models.PublishResponse{
		Success:  true,
		Message:  fmt.Sprintf("Published %d events to queue", published),
		Received: len(events),
		// Worker admission happens asynchronously; only the stats snapshot
		// will reflect the eventual processed/duplicate split.
		Processed:  0,
		Duplicates: 0,
		EventIDs:   eventIDs,
	})
}

// decodeSubmission parses the publish body: a batch wrapper when an "events"
// key is present, a bare event otherwise.
func decodeSubmission(body []byte) ([]models.Event, error) {
	var probe struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Events == nil {
		ev, perr := models.ParseEvent(body)
		if perr != nil {
			return nil, perr
		}
		return []models.Event{ev}, nil
	}

	if len(probe.Events) == 0 {
		return nil, &models.ValidationError{Field: "events", Reason: "must contain at least 1 event"}
	}
	if len(probe.Events) > maxBatchEvents {
		return nil, &models.ValidationError{Field: "events", Reason: fmt.Sprintf("must contain at most %d events", maxBatchEvents)}
	}

	events := make([]models.Event, 0, len(probe.Events))
	for _, raw := range probe.Events {
		ev, err := models.ParseEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")

	limit := 100
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	offset := 0
	if val := r.URL.Query().Get("offset"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			respondError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		offset = n
	}

	events, err := s.store.ListEvents(r.Context(), topic, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("list events failed")
		respondError(w, http.StatusInternalServerError, "failed to retrieve events")
		return
	}
	total, err := s.store.CountEvents(r.Context(), topic)
	if err != nil {
		s.log.Error().Err(err).Msg("count events failed")
		respondError(w, http.StatusInternalServerError, "failed to retrieve events")
		return
	}

	respondJSON(w, http.StatusOK, models.EventListResponse{
		Events: events,
		Total:  total,
		Topic:  topic,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.StatsSnapshot(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats snapshot failed")
		respondError(w, http.StatusInternalServerError, "failed to retrieve stats")
		return
	}
	snap.UptimeSeconds = roundSeconds(time.Since(s.startedAt))
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := s.store.Ping(ctx) == nil
	busHealthy := s.bus.Ping(ctx) == nil

	resp := models.HealthResponse{
		Status:        "healthy",
		Database:      probeState(dbHealthy),
		Transport:     probeState(busHealthy),
		Version:       config.AppVersion,
		UptimeSeconds: roundSeconds(time.Since(s.startedAt)),
	}
	status := http.StatusOK
	if !dbHealthy || !busHealthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":    config.AppName,
		"version": config.AppVersion,
		"health":  "/health",
		"stats":   "/stats",
	})
}

func probeState(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func roundSeconds(d time.Duration) float64 {
	secs := d.Seconds()
	return float64(int64(secs*100)) / 100
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
