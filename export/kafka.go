package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/pkg/retry"
	"github.com/c360/energysense/telemetry"
)

// KafkaConfig tunes the Kafka record sink.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	// BatchTimeout is how long the writer may hold a partial batch.
	BatchTimeout time.Duration `json:"batch_timeout"`
	// WriteTimeout bounds one WriteMessages round trip.
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultKafkaConfig returns the sink disabled with the standard topic.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "energysense.records",
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate checks the Kafka sink configuration.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "KafkaConfig", "Validate", "at least one broker is required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "KafkaConfig", "Validate", "topic is required")
	}
	if c.BatchTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "KafkaConfig", "Validate", "timeouts must be positive")
	}
	return nil
}

// KafkaSink publishes classified records to a topic, keyed by block ID so
// a block's records land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSink creates the sink. The writer dials lazily; a dead broker
// surfaces on the first Export, not here.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &KafkaSink{
		writer: writer,
		logger: logger.With("component", "export-kafka"),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (k *KafkaSink) Name() string { return "kafka" }

// Export publishes one message per record. Writes ride out transient
// broker hiccups with a short backoff before the error reaches the
// export service.
func (k *KafkaSink) Export(ctx context.Context, records []telemetry.ClassifiedRecord) error {
	messages, err := kafkaMessages(records)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return k.writer.WriteMessages(ctx, messages...)
	})
	if err != nil {
		return errors.WrapTransient(err, "KafkaSink", "Export", "write messages")
	}
	return nil
}

func kafkaMessages(records []telemetry.ClassifiedRecord) ([]kafka.Message, error) {
	messages := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		value, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.WrapInvalid(err, "KafkaSink", "Export", "encode record")
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(rec.BlockID),
			Value: value,
			Time:  rec.UpdatedAt,
		})
	}
	return messages, nil
}

// Close flushes pending batches and releases the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
