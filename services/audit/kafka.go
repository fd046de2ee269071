package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlasconnect/pam/config"
	"github.com/atlasconnect/pam/models"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter publishes committed ledger entries to a Kafka topic, keyed
// by session so one session's entries land on one partition.
type KafkaExporter struct {
	writer kafkaWriter
	topic  string
}

// NewKafkaExporter creates an exporter for cfg
func NewKafkaExporter(cfg *config.KafkaConfig) (*KafkaExporter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kafka config required")
	}
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &KafkaExporter{writer: w, topic: cfg.Topic}, nil
}

// Export writes one entry as JSON
func (e *KafkaExporter) Export(ctx context.Context, entry *models.AuditEntry) error {
	if e == nil || e.writer == nil {
		return fmt.Errorf("kafka exporter not initialized")
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(entry.SessionID.String()),
		Value: value,
		Time:  entry.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(entry.Action)},
			{Key: "entry_hash", Value: []byte(entry.EntryHash)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", e.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (e *KafkaExporter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
