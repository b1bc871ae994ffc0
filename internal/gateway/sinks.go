package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/events"
)

// NotificationGateway receives lifecycle events for delivery to customers.
// Fire-and-forget: a failing notifier must never block or fail matching.
type NotificationGateway interface {
	Notify(ctx context.Context, event events.Event)
}

// AuditSink receives lifecycle events for compliance logging.
type AuditSink interface {
	Record(ctx context.Context, event events.Event)
}

// LogNotifier writes notifications to the process log. The default when no
// delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event events.Event) {
	n.logger.Info("notification",
		zap.String("topic", event.Topic),
		zap.String("type", event.Type),
		zap.Any("payload", event.Payload))
}

// LogAuditSink writes audit records to the process log.
type LogAuditSink struct {
	logger *zap.Logger
}

func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Record(ctx context.Context, event events.Event) {
	s.logger.Info("audit",
		zap.String("topic", event.Topic),
		zap.String("type", event.Type),
		zap.Any("payload", event.Payload))
}
