package delivery

import (
	"context"

	"licensing/internal/domain"
	"licensing/internal/outbox"

	"go.uber.org/zap"
)

// LogSender only logs messages. It stands in for the gateway when Kafka is
// disabled.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg domain.OutboundMessage) (outbox.Delivery, error) {
	s.logger.Info("Delivering license message",
		zap.String("message_id", msg.ID),
		zap.String("license_id", msg.LicenseID),
		zap.String("method", string(msg.Method)),
		zap.String("recipient", msg.Recipient),
		zap.Int("attempts", msg.Attempts))
	return outbox.Delivery{Response: "logged"}, nil
}
