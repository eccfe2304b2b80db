package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"licensing/internal/app/intake"
	"licensing/internal/domain"
	"licensing/internal/domain/event"
	kafka_infra "licensing/internal/infrastructure/kafka"
)

type PaymentHandler interface {
	HandlePayment(ctx context.Context, ev domain.PaymentEvent) (*intake.Result, error)
}

// PaymentEventMessageHandler feeds payment notifications from the topic into
// Payment Intake. Malformed or invalid messages are logged and skipped;
// processing errors are returned so the message is retried.
func PaymentEventMessageHandler(payments PaymentHandler, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var notification event.PaymentNotification
		if err := json.Unmarshal(msg.Value, &notification); err != nil {
			logger.Error("Failed to unmarshal Kafka message value to PaymentNotification",
				zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}
		if err := notification.Validate(); err != nil {
			logger.Warn("Skipping invalid payment notification",
				zap.String("provider", notification.Provider),
				zap.String("provider_reference", notification.Reference),
				zap.Error(err),
			)
			return nil
		}

		ev := notification.PaymentEvent()
		result, err := payments.HandlePayment(ctx, ev)
		if errors.Is(err, domain.ErrInvalidRequest) {
			logger.Warn("Payment notification rejected",
				zap.String("provider", ev.Provider),
				zap.String("provider_reference", ev.Reference),
				zap.Error(err),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to process payment %s/%s: %w", ev.Provider, ev.Reference, err)
		}

		fields := []zap.Field{
			zap.String("provider", ev.Provider),
			zap.String("provider_reference", ev.Reference),
			zap.String("status", string(result.Status)),
		}
		if result.License != nil {
			fields = append(fields,
				zap.String("license_id", result.License.ID),
				zap.Bool("duplicate", result.Duplicate))
		}
		logger.Info("Payment notification processed", fields...)
		return nil
	}
}
