// Package delivery holds the concrete outbox senders.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"licensing/internal/domain"
	"licensing/internal/domain/event"
	kafka_infra "licensing/internal/infrastructure/kafka"
	"licensing/internal/outbox"
)

// KafkaSender hands license messages to the notification gateway through a
// topic. The message id is the record key so the gateway can deduplicate
// redeliveries.
type KafkaSender struct {
	producer kafka_infra.Producer
	topic    string
	now      func() time.Time
}

func NewKafkaSender(producer kafka_infra.Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic, now: time.Now}
}

func (s *KafkaSender) Send(ctx context.Context, msg domain.OutboundMessage) (outbox.Delivery, error) {
	payload, err := json.Marshal(event.NewLicenseNotification(msg, s.now().UTC()))
	if err != nil {
		return outbox.Delivery{}, fmt.Errorf("failed to marshal license notification: %w", err)
	}
	if err := s.producer.Produce(ctx, msg.ID, s.topic, payload); err != nil {
		return outbox.Delivery{}, err
	}
	return outbox.Delivery{Response: fmt.Sprintf("published to %s", s.topic)}, nil
}
