package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaBus implements Bus over Kafka. Every Subscribe creates a reader with a
// fresh consumer-group id, so each subscriber sees the full message stream —
// the same fan-out semantics Redis pub/sub gives for free.
type KafkaBus struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
}

// NewKafkaBus builds a Kafka bus from a kafka://host:port[,host:port][/topic]
// URL. A topic in the URL path overrides the configured channel.
func NewKafkaBus(u *url.URL, channel string) (*KafkaBus, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("kafka: broker host required")
	}
	brokers := strings.Split(u.Host, ",")
	topic := channel
	if p := strings.Trim(u.Path, "/"); p != "" {
		topic = p
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	})

	return &KafkaBus{brokers: brokers, topic: topic, writer: w}, nil
}

// Ping dials the first broker to probe connectivity.
func (b *KafkaBus) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Publish writes one payload to the topic.
func (b *KafkaBus) Publish(ctx context.Context, data []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{Value: data})
}

// PublishBatch writes all payloads in a single WriteMessages call.
func (b *KafkaBus) PublishBatch(ctx context.Context, batch [][]byte) (int, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, data := range batch {
		msgs = append(msgs, kafka.Message{Value: data})
	}
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Subscribe creates a reader in its own consumer group so this subscriber
// receives every message on the topic.
func (b *KafkaBus) Subscribe(ctx context.Context) (Subscription, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    b.topic,
		GroupID:  "aggregator-" + uuid.NewString(),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &kafkaSubscription{reader: r}, nil
}

// Close shuts down the writer. Readers are owned by their subscriptions.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
}

func (s *kafkaSubscription) Receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := s.reader.ReadMessage(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNoMessage
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return msg.Value, nil
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}
