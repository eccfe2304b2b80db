package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	retryDelayMin = time.Second
	retryDelayMax = 30 * time.Second
)

// MessageHandler processes one message. A returned error means the message
// should be handled again; undecodable input should be logged and dropped.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop()
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	logger  *zap.Logger
	topic   string
	groupID string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})

	return &kafkaConsumer{
		reader:  reader,
		logger:  logger,
		topic:   topic,
		groupID: groupID,
	}
}

// Start blocks until ctx is cancelled or Stop is called. Offsets are
// committed only after the handler succeeds; a failing message is retried
// with backoff so later messages on the partition are not committed past it.
func (c *kafkaConsumer) Start(ctx context.Context, handler MessageHandler) error {
	consumerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Info("Kafka consumer starting", zap.String("topic", c.topic), zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(consumerCtx)
		if err != nil {
			if consumerCtx.Err() != nil {
				c.logger.Info("Kafka consumer context cancelled, stopping reader")
				return c.reader.Close()
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			if !wait(consumerCtx, retryDelayMin) {
				return c.reader.Close()
			}
			continue
		}

		fields := []zap.Field{
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		}
		c.logger.Debug("Received Kafka message", append(fields, zap.String("key", string(msg.Key)))...)

		if !c.handle(consumerCtx, handler, msg, fields) {
			return c.reader.Close()
		}

		if err := c.reader.CommitMessages(consumerCtx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return c.reader.Close()
			}
			c.logger.Error("Failed to commit offset for Kafka message", append(fields, zap.Error(err))...)
			continue
		}
		c.logger.Debug("Kafka message offset committed", fields...)
	}
}

// handle retries handler until it succeeds. It reports false when ctx ended
// first.
func (c *kafkaConsumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message, fields []zap.Field) bool {
	delay := retryDelayMin
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.Error("Error handling Kafka message, will retry",
			append(fields, zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))...)
		if !wait(ctx, delay) {
			return false
		}
		delay = min(delay*2, retryDelayMax)
	}
}

func (c *kafkaConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.logger.Info("Kafka consumer stop signal sent")
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
