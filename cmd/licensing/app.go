package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"licensing/internal/app/intake"
	"licensing/internal/app/licenses"
	"licensing/internal/config"
	"licensing/internal/credential"
	"licensing/internal/delivery"
	"licensing/internal/domain"
	"licensing/internal/infrastructure/database"
	kafka_infra "licensing/internal/infrastructure/kafka"
	"licensing/internal/keygen"
	"licensing/internal/outbox"
	"licensing/internal/repository/activations_repo"
	"licensing/internal/repository/licenses_repo"
	"licensing/internal/repository/orders_repo"
	"licensing/internal/repository/outbox_repo"
	"licensing/migrations"
)

// app is the wired service graph shared by the long-running and one-shot
// commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *sql.DB
	producer  kafka_infra.Producer
	licenses  *licenses.Service
	intake    *intake.Service
	processor *outbox.Processor
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	signingKey, err := credential.LoadPrivateKey(cfg.Signing.PrivateKeyPEM, cfg.Signing.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	logger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(ctx, database.DBConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
	}, cfg.DB.ConnectRetries, cfg.DB.ConnectRetryDelay, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Running database migrations...")
	if err := migrations.Up(cfg.GetDBMigrationConnectionString()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations completed")

	a := &app{cfg: cfg, logger: logger, db: db}

	var sender outbox.Sender = delivery.NewLogSender(logger.With(zap.String("component", "LogSender")))
	if cfg.Kafka.Enabled {
		if err := ensureKafkaTopics(ctx, cfg.GetKafkaBrokers(),
			[]string{cfg.Kafka.PaymentEventsTopic, cfg.Kafka.NotificationTopic}, logger); err != nil {
			db.Close()
			return nil, err
		}
		a.producer = kafka_infra.NewProducer(cfg.GetKafkaBrokers(), logger.With(zap.String("component", "KafkaProducer")))
		kafkaSender := delivery.NewKafkaSender(a.producer, cfg.Kafka.NotificationTopic)
		sender = delivery.NewMethodRouter(sender).
			Handle(domain.MethodEmail, kafkaSender).
			Handle(domain.MethodSMS, kafkaSender)
	}

	if cfg.Outbox.SendRate > 0 {
		sender = delivery.NewThrottled(sender, cfg.Outbox.SendRate, cfg.Outbox.SendBurst)
	}

	transactor := database.NewTransactor(db, logger.With(zap.String("component", "Transactor")))
	outboxRepository := outbox_repo.NewOutboxRepository()

	a.processor = outbox.NewProcessor(db, outboxRepository, sender, outbox.Config{
		BatchSize:        cfg.Outbox.BatchSize,
		MaxAttempts:      cfg.Outbox.MaxAttempts,
		InProcessRetries: cfg.Outbox.InProcessRetries,
		RetryInterval:    cfg.Outbox.RetryInterval,
		SendTimeout:      cfg.Outbox.SendTimeout,
		PollInterval:     cfg.Outbox.PollInterval,
		PollJitter:       cfg.Outbox.PollJitter,
		StaleAfter:       cfg.Outbox.StaleAfter,
		ReapInterval:     cfg.Outbox.ReapInterval,
		BackoffBase:      cfg.Outbox.BackoffBase,
		BackoffMax:       cfg.Outbox.BackoffMax,
	}, logger.With(zap.String("component", "OutboxProcessor")))

	a.licenses = licenses.NewService(
		db,
		transactor,
		orders_repo.NewOrderRepository(),
		licenses_repo.NewLicenseRepository(),
		activations_repo.NewActivationRepository(),
		keygen.New(cfg.Keys.Prefix, cfg.Keys.Segments, cfg.Keys.SegmentLen),
		credential.NewSigner(signingKey),
		licenses.Options{
			Issuer:   cfg.Signing.Issuer,
			Validity: cfg.Signing.LicenseValidity,
		},
		logger.With(zap.String("component", "LicenseService")),
	)

	a.intake = intake.NewService(
		transactor,
		a.licenses,
		outboxRepository,
		a.processor,
		logger.With(zap.String("component", "PaymentIntake")),
	)

	logger.Info("Licensing services initialized", zap.Bool("kafka_enabled", cfg.Kafka.Enabled))
	return a, nil
}

func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database connection", zap.Error(err))
		return
	}
	a.logger.Info("Database connection closed")
}

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	if len(brokerURLs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}

	err = controllerConn.CreateTopics(topicConfigs...)
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create Kafka topics: %w", err)
	}
	logger.Info("Kafka topics ensured", zap.Strings("topics", topics))
	return nil
}
