// Command publisher generates simulated log events and feeds them to the
// aggregator, either straight through the transport or over HTTP. A
// configurable share of the stream repeats already-sent event keys to
// exercise the dedup path.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/loghorn/aggregator/internal/logging"
	"github.com/loghorn/aggregator/internal/models"
	"github.com/loghorn/aggregator/internal/transport"
)

var topics = []string{
	"app.users.login",
	"app.users.logout",
	"app.orders.created",
	"app.orders.completed",
	"app.payments.processed",
	"app.errors.critical",
	"app.errors.warning",
	"system.health.check",
	"system.metrics.cpu",
	"system.metrics.memory",
}

var sources = []string{
	"auth-service",
	"order-service",
	"payment-service",
	"notification-service",
	"monitoring-service",
}

type publisherConfig struct {
	transportURL  string
	channel       string
	aggregatorURL string
	eventCount    int
	duplicateRate float64
	batchSize     int
	delay         time.Duration
	mode          string // "transport" or "http"
}

func loadPublisherConfig() publisherConfig {
	_ = godotenv.Load()
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}
	getInt := func(key string, fallback int) int {
		if val := os.Getenv(key); val != "" {
			var n int
			if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
				return n
			}
		}
		return fallback
	}
	rate := 0.35
	if val := os.Getenv("DUPLICATE_RATE"); val != "" {
		var f float64
		if _, err := fmt.Sscanf(val, "%f", &f); err == nil && f >= 0 && f < 1 {
			rate = f
		}
	}
	transportURL := getEnv("TRANSPORT_URL", getEnv("REDIS_URL", "redis://localhost:6379"))
	return publisherConfig{
		transportURL:  transportURL,
		channel:       getEnv("CHANNEL", getEnv("REDIS_CHANNEL", "events")),
		aggregatorURL: getEnv("AGGREGATOR_URL", "http://localhost:8080"),
		eventCount:    getInt("EVENT_COUNT", 25000),
		duplicateRate: rate,
		batchSize:     getInt("BATCH_SIZE", 100),
		delay:         time.Duration(getInt("DELAY_MS", 10)) * time.Millisecond,
		mode:          getEnv("PUBLISH_MODE", "transport"),
	}
}

// generator produces events, replaying a seen key for the configured share
// of the stream.
type generator struct {
	rng  *rand.Rand
	rate float64
	seen []models.Event
}

func (g *generator) next() models.Event {
	if len(g.seen) > 0 && g.rng.Float64() < g.rate {
		dup := g.seen[g.rng.Intn(len(g.seen))]
		return dup
	}
	topic := topics[g.rng.Intn(len(topics))]
	ev := models.Event{
		Topic:     topic,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    sources[g.rng.Intn(len(sources))],
		Payload:   g.payloadFor(topic),
	}
	g.seen = append(g.seen, ev)
	return ev
}

func (g *generator) payloadFor(topic string) map[string]interface{} {
	switch {
	case strings.Contains(topic, "users"):
		return map[string]interface{}{
			"user_id":    uuid.NewString(),
			"session_id": uuid.NewString(),
			"ip_address": fmt.Sprintf("10.%d.%d.%d", g.rng.Intn(256), g.rng.Intn(256), g.rng.Intn(256)),
		}
	case strings.Contains(topic, "orders"):
		return map[string]interface{}{
			"order_id": uuid.NewString(),
			"amount":   float64(g.rng.Intn(99000)+1000) / 100,
			"currency": "USD",
			"items":    g.rng.Intn(10) + 1,
		}
	case strings.Contains(topic, "payments"):
		return map[string]interface{}{
			"payment_id": uuid.NewString(),
			"amount":     float64(g.rng.Intn(99000)+1000) / 100,
			"method":     []string{"credit_card", "debit_card", "paypal", "bank_transfer"}[g.rng.Intn(4)],
		}
	case strings.Contains(topic, "errors"):
		return map[string]interface{}{
			"error_code": fmt.Sprintf("E%04d", g.rng.Intn(10000)),
			"message":    "simulated failure",
		}
	default:
		return map[string]interface{}{
			"value": g.rng.Float64() * 100,
			"unit":  "percent",
		}
	}
}

func main() {
	cfg := loadPublisherConfig()
	log := logging.New(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := &generator{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		rate: cfg.duplicateRate,
	}

	var bus transport.Bus
	if cfg.mode == "transport" {
		var err error
		bus, err = transport.New(cfg.transportURL, cfg.channel)
		if err != nil {
			log.Fatal().Err(err).Msg("build transport")
		}
		if err := bus.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("ping transport")
		}
		defer bus.Close()
	}

	log.Info().
		Int("events", cfg.eventCount).
		Float64("duplicate_rate", cfg.duplicateRate).
		Str("mode", cfg.mode).
		Msg("publisher starting")

	start := time.Now()
	sent := 0
	for sent < cfg.eventCount && ctx.Err() == nil {
		n := cfg.batchSize
		if remaining := cfg.eventCount - sent; remaining < n {
			n = remaining
		}
		batch := make([]models.Event, 0, n)
		for i := 0; i < n; i++ {
			batch = append(batch, gen.next())
		}

		var err error
		if cfg.mode == "transport" {
			err = publishTransport(ctx, bus, batch)
		} else {
			err = publishHTTP(ctx, cfg.aggregatorURL, batch)
		}
		if err != nil {
			log.Error().Err(err).Int("sent", sent).Msg("publish batch failed")
			time.Sleep(time.Second)
			continue
		}
		sent += n

		if sent%1000 == 0 {
			log.Info().Int("sent", sent).Msg("progress")
		}
		if cfg.delay > 0 {
			time.Sleep(cfg.delay)
		}
	}

	log.Info().
		Int("sent", sent).
		Int("unique_keys", len(gen.seen)).
		Dur("elapsed", time.Since(start)).
		Msg("publisher finished")
}

func publishTransport(ctx context.Context, bus transport.Bus, batch []models.Event) error {
	raw := make([][]byte, 0, len(batch))
	for _, ev := range batch {
		data, err := ev.Encode()
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}
	_, err := bus.PublishBatch(ctx, raw)
	return err
}

func publishHTTP(ctx context.Context, baseURL string, batch []models.Event) error {
	body, err := json.Marshal(struct {
		Events []models.Event `json:"events"`
	}{Events: batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/publish?sync=true", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator returned HTTP %d", resp.StatusCode)
	}
	return nil
}
