package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "LICENSING"

type Config struct {
	DB       DBConfig      `envconfig:"DB"`
	HTTP     HTTPConfig    `envconfig:"HTTP"`
	Kafka    KafkaConfig   `envconfig:"KAFKA"`
	Signing  SigningConfig `envconfig:"SIGNING"`
	Keys     KeysConfig    `envconfig:"KEYS"`
	Outbox   OutboxConfig  `envconfig:"OUTBOX"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"info"`
}

type DBConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"5432"`
	User     string `envconfig:"USER" default:"user"`
	Password string `envconfig:"PASSWORD" default:"password"`
	Name     string `envconfig:"NAME" default:"licensing_db"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`

	ConnectRetries    int           `envconfig:"CONNECT_RETRIES" default:"10"`
	ConnectRetryDelay time.Duration `envconfig:"CONNECT_RETRY_DELAY" default:"5s"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"PORT" default:"8082"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// CORSAllowedOrigins enables CORS for browser clients when non-empty.
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

type KafkaConfig struct {
	Enabled            bool   `envconfig:"ENABLED" default:"false"`
	BrokerURL          string `envconfig:"BROKER_URL" default:"localhost:9092"`
	PaymentEventsTopic string `envconfig:"PAYMENT_EVENTS_TOPIC" default:"payment_events"`
	NotificationTopic  string `envconfig:"NOTIFICATION_TOPIC" default:"license_notifications"`
	ConsumerGroup      string `envconfig:"CONSUMER_GROUP" default:"licensing-payment-events-group"`
}

type SigningConfig struct {
	PrivateKeyPEM   string        `envconfig:"PRIVATE_KEY"`
	PrivateKeyPath  string        `envconfig:"PRIVATE_KEY_PATH" default:"keys/private.pem"`
	Issuer          string        `envconfig:"ISSUER" default:"Reed POS Technologies"`
	LicenseValidity time.Duration `envconfig:"LICENSE_VALIDITY" default:"8760h"`
}

type KeysConfig struct {
	Prefix     string `envconfig:"PREFIX" default:"POS"`
	Segments   int    `envconfig:"SEGMENTS" default:"4"`
	SegmentLen int    `envconfig:"SEGMENT_LEN" default:"4"`
}

type OutboxConfig struct {
	Workers          int           `envconfig:"WORKERS" default:"2"`
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"10"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	PollJitter       time.Duration `envconfig:"POLL_JITTER" default:"1s"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	InProcessRetries int           `envconfig:"IN_PROCESS_RETRIES" default:"1"`
	RetryInterval    time.Duration `envconfig:"RETRY_INTERVAL" default:"5s"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	StaleAfter       time.Duration `envconfig:"STALE_AFTER" default:"5m"`
	ReapInterval     time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`
	BackoffBase      time.Duration `envconfig:"BACKOFF_BASE" default:"5s"`
	BackoffMax       time.Duration `envconfig:"BACKOFF_MAX" default:"10m"`

	// SendRate limits sender calls per second across workers; 0 disables it.
	SendRate  float64 `envconfig:"SEND_RATE" default:"0"`
	SendBurst int     `envconfig:"SEND_BURST" default:"1"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DB.Port <= 0 {
		errs = append(errs, errors.New("DB port must be positive"))
	}
	if c.HTTP.Port <= 0 {
		errs = append(errs, errors.New("HTTP port must be positive"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("HTTP request timeout must be positive"))
	}
	if c.Keys.Segments < 1 || c.Keys.SegmentLen < 1 {
		errs = append(errs, errors.New("key segments and segment length must be at least 1"))
	}
	if c.Signing.LicenseValidity < 0 {
		errs = append(errs, errors.New("license validity must not be negative"))
	}
	o := c.Outbox
	if o.Workers < 1 {
		errs = append(errs, errors.New("outbox workers must be at least 1"))
	}
	if o.BatchSize < 1 {
		errs = append(errs, errors.New("outbox batch size must be at least 1"))
	}
	if o.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox max attempts must be at least 1"))
	}
	if o.InProcessRetries < 1 {
		errs = append(errs, errors.New("outbox in-process retries must be at least 1"))
	}
	if o.PollInterval <= 0 || o.SendTimeout <= 0 || o.StaleAfter <= 0 || o.ReapInterval <= 0 {
		errs = append(errs, errors.New("outbox intervals and timeouts must be positive"))
	}
	// A live worker refreshes a claim before each send, so the longest gap is
	// one send plus one in-process retry wait.
	if o.StaleAfter <= o.SendTimeout+o.RetryInterval {
		errs = append(errs, errors.New("outbox stale-sending timeout must exceed the send timeout plus the retry interval"))
	}
	if o.SendRate < 0 {
		errs = append(errs, errors.New("outbox send rate must not be negative"))
	}
	if o.BackoffMax < o.BackoffBase {
		errs = append(errs, errors.New("outbox backoff max must not be below backoff base"))
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.BrokerURL) == "" {
		errs = append(errs, errors.New("kafka broker URL is required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Kafka.BrokerURL, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
