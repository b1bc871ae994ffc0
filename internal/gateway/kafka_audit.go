package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/events"
)

// KafkaAuditSink publishes audit records to a Kafka topic. Writes are async
// so the matching path never waits on the broker; delivery failures are
// logged through the writer's completion callback.
type KafkaAuditSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaAuditSink creates a sink writing to the given topic.
func NewKafkaAuditSink(brokers []string, topic string, logger *zap.Logger) *KafkaAuditSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("audit publish failed", zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
	return &KafkaAuditSink{writer: w, logger: logger}
}

type auditRecord struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (s *KafkaAuditSink) Record(ctx context.Context, event events.Event) {
	data, err := json.Marshal(auditRecord{
		Topic:     event.Topic,
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		s.logger.Error("audit record marshal", zap.Error(err), zap.String("type", event.Type))
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.Topic),
		Value: data,
		Time:  event.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		// Async writer only errors here on queue/marshal problems.
		s.logger.Error("audit enqueue failed", zap.Error(err), zap.String("type", event.Type))
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaAuditSink) Close() error {
	return s.writer.Close()
}
