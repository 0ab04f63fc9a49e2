// Package models contains the canonical event shape, its admission rules and
// the API response types shared by the HTTP facade and the consumer workers.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// maxFieldLen bounds topic and event_id after trimming, and source as given.
const maxFieldLen = 255

// ValidationError describes why an event was rejected at admission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// Event is a log event flowing through the system. The (topic, event_id)
// pair is the sole identity used for deduplication; two events that share it
// denote the same event regardless of the remaining fields.
type Event struct {
	Topic     string                 `json:"topic"`
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
}

// Key returns the dedup identity as "topic/event_id". Diagnostic use only;
// the store's uniqueness constraint is the authority on identity.
func (e Event) Key() string {
	return e.Topic + "/" + e.EventID
}

// Validate normalizes and checks the event in place: topic and event_id are
// trimmed of surrounding whitespace and must be non-empty and at most 255
// characters afterwards, source is required, the timestamp must be set and a
// nil payload becomes an empty map.
func (e *Event) Validate() error {
	e.Topic = strings.TrimSpace(e.Topic)
	if e.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "must not be empty or whitespace"}
	}
	if utf8.RuneCountInString(e.Topic) > maxFieldLen {
		return &ValidationError{Field: "topic", Reason: fmt.Sprintf("must be at most %d characters", maxFieldLen)}
	}
	e.EventID = strings.TrimSpace(e.EventID)
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Reason: "must not be empty or whitespace"}
	}
	if utf8.RuneCountInString(e.EventID) > maxFieldLen {
		return &ValidationError{Field: "event_id", Reason: fmt.Sprintf("must be at most %d characters", maxFieldLen)}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if utf8.RuneCountInString(e.Source) > maxFieldLen {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("must be at most %d characters", maxFieldLen)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	return nil
}

// ParseEvent decodes a wire payload into a validated Event. Timestamps are
// RFC3339 instants with a timezone; the payload must be a JSON object and
// unknown payload fields are preserved verbatim.
func ParseEvent(data []byte) (Event, error) {
	var raw struct {
		Topic     *string         `json:"topic"`
		EventID   *string         `json:"event_id"`
		Timestamp *string         `json:"timestamp"`
		Source    *string         `json:"source"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, &ValidationError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	if raw.Topic == nil {
		return Event{}, &ValidationError{Field: "topic", Reason: "is required"}
	}
	if raw.EventID == nil {
		return Event{}, &ValidationError{Field: "event_id", Reason: "is required"}
	}
	if raw.Timestamp == nil {
		return Event{}, &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if raw.Source == nil {
		return Event{}, &ValidationError{Field: "source", Reason: "is required"}
	}

	ts, err := time.Parse(time.RFC3339Nano, *raw.Timestamp)
	if err != nil {
		return Event{}, &ValidationError{Field: "timestamp", Reason: "must be an RFC3339 instant with timezone"}
	}

	payload := map[string]interface{}{}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return Event{}, &ValidationError{Field: "payload", Reason: "must be a JSON object"}
		}
	}

	ev := Event{
		Topic:     *raw.Topic,
		EventID:   *raw.EventID,
		Timestamp: ts,
		Source:    *raw.Source,
		Payload:   payload,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode serializes the event for the transport and HTTP wire format.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// StoredEvent is an Event after admission: immutable, stamped by the store
// with processed_at and attributed to the admitting worker.
type StoredEvent struct {
	Topic       string                 `json:"topic"`
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	Payload     map[string]interface{} `json:"payload"`
	WorkerID    string                 `json:"worker_id"`
	ProcessedAt time.Time              `json:"processed_at"`
}

// AuditRecord is one row of the append-only admission trail. Every admission
// attempt produces one, duplicates included.
type AuditRecord struct {
	ID          int64     `json:"id"`
	Topic       string    `json:"topic"`
	EventID     string    `json:"event_id"`
	IsDuplicate bool      `json:"is_duplicate"`
	WorkerID    string    `json:"worker_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PublishResponse is returned by the submission endpoint.
type PublishResponse struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Received   int      `json:"received"`
	Processed  int      `json:"processed"`
	Duplicates int      `json:"duplicates"`
	EventIDs   []string `json:"event_ids"`
}

// EventListResponse is returned by the event list endpoint.
type EventListResponse struct {
	Events []StoredEvent `json:"events"`
	Total  int           `json:"total"`
	Topic  string        `json:"topic,omitempty"`
}

// TopicStats is the per-topic slice of the stats breakdown.
type TopicStats struct {
	Topic      string `json:"topic"`
	EventCount int    `json:"event_count"`
}

// StatsResponse is the aggregate stats snapshot exposed by the facade.
type StatsResponse struct {
	Received         int64        `json:"received"`
	UniqueProcessed  int64        `json:"unique_processed"`
	DuplicateDropped int64        `json:"duplicate_dropped"`
	DuplicateRate    float64      `json:"duplicate_rate"`
	Topics           []TopicStats `json:"topics"`
	TopicCount       int          `json:"topic_count"`
	UptimeSeconds    float64      `json:"uptime_seconds"`
	StartedAt        time.Time    `json:"started_at"`
	LastUpdatedAt    time.Time    `json:"last_updated_at"`
}

// HealthResponse reports dependency probes for liveness/readiness checks.
type HealthResponse struct {
	Status        string  `json:"status"`
	Database      string  `json:"database"`
	Transport     string  `json:"transport"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
