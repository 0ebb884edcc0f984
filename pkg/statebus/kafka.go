// Package statebus mirrors every audit entry onto a Kafka topic, for
// deployments that want a durable, replayable feed of gateway decisions
// independent of the audit sink's own rolling window.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is the wire shape published for each audit entry.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"requestId"`
	ClientIPReported string    `json:"clientIpReported"`
	Service          string    `json:"service"`
	Action           string    `json:"action"`
	Status           string    `json:"status"`
	DurationMs       int64     `json:"durationMs"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes Events to a Kafka topic. A nil Publisher, or any
// publish error, is swallowed by the caller: the Kafka mirror is best
// effort and must never affect the audit log's own write path.
type Publisher struct {
	writer kafkaWriter
	topic  string
}

// Config names the broker set and topic the mirror publishes to.
type Config struct {
	Brokers []string
	Topic   string
}

// NewPublisher builds a Publisher. It does not dial brokers eagerly;
// kafka-go's writer connects lazily on first write.
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 200 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		Async:        true,
	}
	return &Publisher{writer: w, topic: topic}, nil
}

// Publish sends one Event. Failures are returned, not retried: callers
// that want best-effort semantics discard the error.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Service + "." + evt.Action),
		Value: body,
		Time:  evt.Timestamp,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
