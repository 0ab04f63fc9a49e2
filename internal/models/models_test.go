package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEventJSON() string {
	return `{"topic":"app.users.login","event_id":"evt-1","timestamp":"2024-01-01T00:00:00Z","source":"auth-service","payload":{"user":"u1"}}`
}

func TestParseEventValid(t *testing.T) {
	ev, err := ParseEvent([]byte(validEventJSON()))
	require.NoError(t, err)
	assert.Equal(t, "app.users.login", ev.Topic)
	assert.Equal(t, "evt-1", ev.EventID)
	assert.Equal(t, "auth-service", ev.Source)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ev.Timestamp.UTC())
	assert.Equal(t, "u1", ev.Payload["user"])
}

func TestParseEventTrimsKeyFields(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"topic":"  t  ","event_id":" e1 ","timestamp":"2024-01-01T00:00:00Z","source":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, "t", ev.Topic)
	assert.Equal(t, "e1", ev.EventID)
	assert.Equal(t, "t/e1", ev.Key())
}

func TestParseEventRejectsWhitespaceOnly(t *testing.T) {
	for _, body := range []string{
		`{"topic":"   ","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s"}`,
		`{"topic":"t","event_id":"   ","timestamp":"2024-01-01T00:00:00Z","source":"s"}`,
	} {
		_, err := ParseEvent([]byte(body))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "body %s", body)
	}
}

func TestParseEventRejectsOverlongFields(t *testing.T) {
	long := strings.Repeat("x", 256)
	_, err := ParseEvent([]byte(`{"topic":"` + long + `","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "topic", verr.Field)

	// 255 after trimming is still fine.
	ok := strings.Repeat("y", 255)
	_, err = ParseEvent([]byte(`{"topic":"  ` + ok + `  ","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s"}`))
	assert.NoError(t, err)
}

func TestParseEventMissingFields(t *testing.T) {
	cases := map[string]string{
		"topic":     `{"event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s"}`,
		"event_id":  `{"topic":"t","timestamp":"2024-01-01T00:00:00Z","source":"s"}`,
		"timestamp": `{"topic":"t","event_id":"e1","source":"s"}`,
		"source":    `{"topic":"t","event_id":"e1","timestamp":"2024-01-01T00:00:00Z"}`,
	}
	for field, body := range cases {
		_, err := ParseEvent([]byte(body))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "missing %s", field)
		assert.Equal(t, field, verr.Field)
	}
}

func TestParseEventMalformedTimestamp(t *testing.T) {
	_, err := ParseEvent([]byte(`{"topic":"t","event_id":"e1","timestamp":"yesterday","source":"s"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)
}

func TestParseEventPayloadMustBeObject(t *testing.T) {
	_, err := ParseEvent([]byte(`{"topic":"t","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s","payload":[1,2]}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestParseEventDefaultsPayload(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"topic":"t","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Payload)
	assert.Empty(t, ev.Payload)
}

func TestParseEventPreservesUnknownPayloadFields(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"topic":"t","event_id":"e1","timestamp":"2024-01-01T00:00:00Z","source":"s","payload":{"anything":{"nested":true},"n":3}}`))
	require.NoError(t, err)
	assert.Contains(t, ev.Payload, "anything")
	assert.Contains(t, ev.Payload, "n")
}

func TestParseEventMalformedJSON(t *testing.T) {
	_, err := ParseEvent([]byte(`{`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEncodeRoundTrip(t *testing.T) {
	ev, err := ParseEvent([]byte(validEventJSON()))
	require.NoError(t, err)

	data, err := ev.Encode()
	require.NoError(t, err)

	// The wire form keeps the snake_case contract fields.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"topic", "event_id", "timestamp", "source", "payload"} {
		assert.Contains(t, raw, key)
	}

	back, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Key(), back.Key())
}
