// Package sink mirrors run lifecycle events to a Kafka topic so downstream
// lineage consumers can ingest them alongside the records written to the
// remote store. Publishing is best-effort by contract: the resolver logs
// sink failures and never lets them block provenance recording.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/laminar-io/laminar/internal/provenance"
)

const writeTimeout = 10 * time.Second

type (
	// messageWriter is the slice of kafka.Writer the sink needs. Tests
	// substitute an in-memory recorder.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaSink publishes run events as JSON messages keyed by run UID, so
	// all events for one run land in one partition in order.
	KafkaSink struct {
		writer messageWriter
		logger *slog.Logger
	}

	// envelope is the wire shape of a mirrored event.
	envelope struct {
		EventID string              `json:"eventId"`
		Event   provenance.RunEvent `json:"event"`
	}
)

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: writeTimeout,
	}

	return &KafkaSink{writer: writer, logger: logger}
}

// Publish sends one run event. Implements provenance.EventSink.
func (s *KafkaSink) Publish(ctx context.Context, event provenance.RunEvent) error {
	payload, err := json.Marshal(envelope{
		EventID: uuid.NewString(),
		Event:   event,
	})
	if err != nil {
		return fmt.Errorf("encoding run event: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RunUID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing run event for %s: %w", event.RunUID, err)
	}

	s.logger.Debug("Mirrored run event",
		slog.String("run_uid", event.RunUID),
		slog.String("status", string(event.Status)),
	)

	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
