package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/logger"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BusDriverAMQP   = "amqp"
	BusDriverPubSub = "pubsub"

	InvalidDatePolicyNow    = "now"
	InvalidDatePolicyReject = "reject"

	StoreErrorPolicyDrop    = "drop"
	StoreErrorPolicyRequeue = "requeue"
)

// ServerConfig holds server-level config
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout_seconds"`
}

type LogConfig struct {
	LogLevel string `yaml:"level"`
}

// MongoDB connection config
type MongoConfig struct {
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	URI             string        `yaml:"uri"`
	DBName          string        `yaml:"db_name"`
	MaxPoolSize     uint64        `yaml:"max_pool_size"`
	MinPoolSize     uint64        `yaml:"min_pool_size"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_minutes"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout_seconds"`
}

// Postgres source config
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout_seconds"`
}

type BusConfig struct {
	Driver string `yaml:"driver"`
}

// AMQPConfig describes the topic exchange the ERP publishes entity changes to
type AMQPConfig struct {
	URL            string `yaml:"url"`
	Exchange       string `yaml:"exchange"`
	QueuePrefix    string `yaml:"queue_prefix"`
	Prefetch       int    `yaml:"prefetch"`
	MaxRetries     int    `yaml:"max_retries"`
	MaxBackoffSecs int    `yaml:"max_backoff_seconds"`
}

type PubSubConfig struct {
	ProjectID          string `yaml:"project_id"`
	SubscriptionPrefix string `yaml:"subscription_prefix"`
	MaxOutstanding     int    `yaml:"max_outstanding_messages"`
}

// Redis connection config
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	EnableTLS      bool          `yaml:"enable_tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout_seconds"`
	CertContent    string        `yaml:"cert_content"`
}

// Kafka connection config
type KafkaConfig struct {
	Server           string `yaml:"server"`
	DeadLetterTopic  string `yaml:"dead_letter_topic"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	SessionTimeoutMs int    `yaml:"session_timeout_ms"`
	ClientID         string `yaml:"client_id"`
}

type GCSConfig struct {
	BucketName   string `yaml:"bucket_name"`
	ReportPrefix string `yaml:"report_prefix"`
}

type OtelConfig struct {
	ServiceName  string `yaml:"service_name"`
	CollectorURL string `yaml:"collector_url"`
}

// ReplicationConfig holds the incremental-path policy switches
type ReplicationConfig struct {
	PassthroughUnknownKinds bool          `yaml:"passthrough_unknown_kinds"`
	InvalidDatePolicy       string        `yaml:"invalid_date_policy"`
	OnStoreError            string        `yaml:"on_store_error"`
	StaleWriteGuard         bool          `yaml:"stale_write_guard"`
	EntityLockTTLSeconds    int           `yaml:"entity_lock_ttl_seconds"`
	EntityLockTTL           time.Duration `yaml:"-"`
}

type BulkSyncConfig struct {
	EnableInitialSync bool          `yaml:"enable_initial_sync"`
	IntervalMinutes   int           `yaml:"interval_minutes"`
	Interval          time.Duration `yaml:"-"`
	BatchSize         int           `yaml:"batch_size"`
	Tables            []string      `yaml:"tables"`
}

// AppConfig is the main config struct that holds all configs
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LogConfig         `yaml:"logging"`
	Mongo       MongoConfig       `yaml:"mongo"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Bus         BusConfig         `yaml:"bus"`
	AMQP        AMQPConfig        `yaml:"amqp"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	GCS         GCSConfig         `yaml:"gcs"`
	Otel        OtelConfig        `yaml:"otel"`
	Replication ReplicationConfig `yaml:"replication"`
	BulkSync    BulkSyncConfig    `yaml:"bulk_sync"`
}

// nolint: funlen
func assignDefaultConfigValues(cfg *AppConfig) *AppConfig {

	// server config defaults
	cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", orInt(cfg.Server.Port, 8080))
	cfg.Server.ShutdownTimeout = time.Duration(GetEnvOrDefaultAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second

	// log config defaults
	cfg.Logging.LogLevel = GetEnvOrDefaultAsString("LOGGING_LEVEL", orString(cfg.Logging.LogLevel, "info"))

	// MongoDB config defaults
	cfg.Mongo.URI = GetEnvOrDefaultAsString("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.DBName = GetEnvOrDefaultAsString("MONGO_DB_NAME", cfg.Mongo.DBName)
	cfg.Mongo.Username = GetEnvOrDefaultAsString("MONGO_USERNAME", cfg.Mongo.Username)
	cfg.Mongo.Password = GetEnvOrDefaultAsString("MONGO_PASSWORD", cfg.Mongo.Password)
	cfg.Mongo.MaxPoolSize = GetEnvOrDefaultAsUint64("MONGO_MAX_POOL_SIZE", cfg.Mongo.MaxPoolSize)
	cfg.Mongo.MinPoolSize = GetEnvOrDefaultAsUint64("MONGO_MIN_POOL_SIZE", cfg.Mongo.MinPoolSize)
	cfg.Mongo.MaxConnIdleTime = time.Duration(GetEnvOrDefaultAsInt("MONGO_MAX_CONN_IDLE_MINUTES", 30)) * time.Minute
	cfg.Mongo.ConnectTimeout = time.Duration(GetEnvOrDefaultAsInt("MONGO_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second

	// Postgres config defaults
	cfg.Postgres.DSN = GetEnvOrDefaultAsString("POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Postgres.MaxOpenConns = GetEnvOrDefaultAsInt("POSTGRES_MAX_OPEN_CONNS", orInt(cfg.Postgres.MaxOpenConns, 5))
	cfg.Postgres.MaxIdleConns = GetEnvOrDefaultAsInt("POSTGRES_MAX_IDLE_CONNS", orInt(cfg.Postgres.MaxIdleConns, 2))
	cfg.Postgres.QueryTimeout = time.Duration(GetEnvOrDefaultAsInt("POSTGRES_QUERY_TIMEOUT_SECONDS", 120)) * time.Second

	cfg.Bus.Driver = strings.ToLower(GetEnvOrDefaultAsString("BUS_DRIVER", orString(cfg.Bus.Driver, BusDriverAMQP)))

	// AMQP config defaults
	cfg.AMQP.URL = GetEnvOrDefaultAsString("RABBITMQ_URL", cfg.AMQP.URL)
	cfg.AMQP.Exchange = GetEnvOrDefaultAsString("RABBITMQ_EXCHANGE", orString(cfg.AMQP.Exchange, "erp-exchange"))
	cfg.AMQP.QueuePrefix = GetEnvOrDefaultAsString("RABBITMQ_QUEUE_PREFIX", orString(cfg.AMQP.QueuePrefix, "ml-sync-"))
	cfg.AMQP.Prefetch = GetEnvOrDefaultAsInt("RABBITMQ_PREFETCH", orInt(cfg.AMQP.Prefetch, 1))
	cfg.AMQP.MaxRetries = GetEnvOrDefaultAsInt("RABBITMQ_MAX_RETRIES", orInt(cfg.AMQP.MaxRetries, 5))
	cfg.AMQP.MaxBackoffSecs = GetEnvOrDefaultAsInt("RABBITMQ_MAX_BACKOFF_SECONDS", orInt(cfg.AMQP.MaxBackoffSecs, 30))

	// PubSub config defaults
	cfg.PubSub.ProjectID = GetEnvOrDefaultAsString("PROJECT_ID", cfg.PubSub.ProjectID)
	cfg.PubSub.SubscriptionPrefix = GetEnvOrDefaultAsString("PUBSUB_SUBSCRIPTION_PREFIX",
		orString(cfg.PubSub.SubscriptionPrefix, "ml-sync-"))
	cfg.PubSub.MaxOutstanding = GetEnvOrDefaultAsInt("PUBSUB_MAX_OUTSTANDING_MESSAGES", orInt(cfg.PubSub.MaxOutstanding, 10))

	// Redis config defaults
	cfg.Redis.Addr = GetEnvOrDefaultAsString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefaultAsString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvOrDefaultAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.EnableTLS = GetEnvOrDefaultAsInt("REDIS_ENABLE_TLS", boolToInt(cfg.Redis.EnableTLS)) == 1
	cfg.Redis.ConnectTimeout = time.Duration(GetEnvOrDefaultAsInt("REDIS_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second
	cfg.Redis.CertContent = GetEnvOrDefaultAsString("REDIS_TLS_CERT", cfg.Redis.CertContent)

	// Kafka config defaults
	cfg.Kafka.Server = GetEnvOrDefaultAsString("KAFKA_SERVER", cfg.Kafka.Server)
	cfg.Kafka.DeadLetterTopic = GetEnvOrDefaultAsString("KAFKA_DEAD_LETTER_TOPIC",
		orString(cfg.Kafka.DeadLetterTopic, "ml-sync-dead-letter"))
	cfg.Kafka.SecurityProtocol = GetEnvOrDefaultAsString("KAFKA_SECURITY_PROTOCOL", cfg.Kafka.SecurityProtocol)
	cfg.Kafka.SASLMechanism = GetEnvOrDefaultAsString("KAFKA_SASL_MECHANISM", cfg.Kafka.SASLMechanism)
	cfg.Kafka.SASLUsername = GetEnvOrDefaultAsString("KAFKA_SASL_USERNAME", cfg.Kafka.SASLUsername)
	cfg.Kafka.SASLPassword = GetEnvOrDefaultAsString("KAFKA_SASL_PASSWORD", cfg.Kafka.SASLPassword)
	cfg.Kafka.SessionTimeoutMs = GetEnvOrDefaultAsInt("KAFKA_SESSION_TIMEOUT_MS", orInt(cfg.Kafka.SessionTimeoutMs, 15000))
	cfg.Kafka.ClientID = GetEnvOrDefaultAsString("KAFKA_CLIENT_ID", orString(cfg.Kafka.ClientID, "loan-sync-worker"))

	cfg.GCS.BucketName = GetEnvOrDefaultAsString("GCS_BUCKET_NAME", cfg.GCS.BucketName)
	cfg.GCS.ReportPrefix = GetEnvOrDefaultAsString("GCS_REPORT_PREFIX", orString(cfg.GCS.ReportPrefix, "bulk-sync"))

	cfg.Otel.ServiceName = GetEnvOrDefaultAsString("OTEL_SERVICE_NAME", orString(cfg.Otel.ServiceName, "loan-sync-worker"))
	cfg.Otel.CollectorURL = GetEnvOrDefaultAsString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Otel.CollectorURL)

	// Replication policy defaults
	cfg.Replication.PassthroughUnknownKinds = GetEnvOrDefaultAsBool("REPLICATION_PASSTHROUGH_UNKNOWN_KINDS",
		cfg.Replication.PassthroughUnknownKinds)
	cfg.Replication.InvalidDatePolicy = strings.ToLower(GetEnvOrDefaultAsString("REPLICATION_INVALID_DATE_POLICY",
		orString(cfg.Replication.InvalidDatePolicy, InvalidDatePolicyNow)))
	cfg.Replication.OnStoreError = strings.ToLower(GetEnvOrDefaultAsString("REPLICATION_ON_STORE_ERROR",
		orString(cfg.Replication.OnStoreError, StoreErrorPolicyDrop)))
	cfg.Replication.StaleWriteGuard = GetEnvOrDefaultAsBool("REPLICATION_STALE_WRITE_GUARD", cfg.Replication.StaleWriteGuard)
	cfg.Replication.EntityLockTTLSeconds = GetEnvOrDefaultAsInt("REPLICATION_ENTITY_LOCK_TTL_SECONDS",
		orInt(cfg.Replication.EntityLockTTLSeconds, 10))
	cfg.Replication.EntityLockTTL = time.Duration(cfg.Replication.EntityLockTTLSeconds) * time.Second

	// Bulk sync defaults
	cfg.BulkSync.EnableInitialSync = GetEnvOrDefaultAsBool("ENABLE_INITIAL_SYNC", cfg.BulkSync.EnableInitialSync)
	cfg.BulkSync.IntervalMinutes = GetEnvOrDefaultAsInt("SYNC_INTERVAL_MINUTES", orInt(cfg.BulkSync.IntervalMinutes, 60))
	cfg.BulkSync.Interval = time.Duration(cfg.BulkSync.IntervalMinutes) * time.Minute
	cfg.BulkSync.BatchSize = GetEnvOrDefaultAsInt("BULK_SYNC_BATCH_SIZE", orInt(cfg.BulkSync.BatchSize, 1000))
	if len(cfg.BulkSync.Tables) == 0 {
		cfg.BulkSync.Tables = []string{"user", "solicitude", "offer", "loan", "monthly_payment"}
	}

	return cfg
}

// LoadFromConfigFilePath loads and parses config file into AppConfig
func LoadFromConfigFilePath(configPath string) (*AppConfig, error) {

	// #nosec G304: configPath comes from CONFIG_PATH, set by the operator
	data, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("Failed to read config file", err, slog.String("path", configPath))
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := AppConfig{
		Replication: ReplicationConfig{PassthroughUnknownKinds: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Error("Failed to unmarshal config", err)
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	defaultCfg := assignDefaultConfigValues(&cfg)

	if err := validateConfig(defaultCfg); err != nil {
		logger.Error("Config validation failed", err)
		return nil, err
	}

	logger.Info("Configuration loaded successfully", slog.String("path", configPath))

	return defaultCfg, nil
}

func validateConfig(cfg *AppConfig) error {
	if err := validateMongoConfig(cfg.Mongo); err != nil {
		return err
	}
	if err := validateBusConfig(cfg); err != nil {
		return err
	}
	if err := validateKafkaConfig(cfg.Kafka); err != nil {
		return err
	}
	if err := validateReplicationConfig(cfg.Replication); err != nil {
		return err
	}
	if err := validateBulkSyncConfig(cfg.BulkSync); err != nil {
		return err
	}
	return nil
}

func validateMongoConfig(mongo MongoConfig) error {
	if mongo.MinPoolSize < 1 || mongo.MinPoolSize > 10 {
		return fmt.Errorf(
			"mongo.min_pool_size must be between 1 and 10, got %d",
			mongo.MinPoolSize,
		)
	}

	if mongo.MaxPoolSize < 10 || mongo.MaxPoolSize > 50 {
		return fmt.Errorf(
			"mongo.max_pool_size must be between 10 and 50, got %d",
			mongo.MaxPoolSize,
		)
	}

	minIdle := 5 * time.Minute
	maxIdle := 30 * time.Minute
	if mongo.MaxConnIdleTime < minIdle || mongo.MaxConnIdleTime > maxIdle {
		return fmt.Errorf(
			"mongo.max_conn_idle_minutes must be between %v and %v, got %v",
			minIdle,
			maxIdle,
			mongo.MaxConnIdleTime,
		)
	}

	return nil
}

func validateBusConfig(cfg *AppConfig) error {
	switch cfg.Bus.Driver {
	case BusDriverAMQP:
		if cfg.AMQP.Prefetch < 1 || cfg.AMQP.Prefetch > 100 {
			return fmt.Errorf("amqp.prefetch must be between 1 and 100, got %d", cfg.AMQP.Prefetch)
		}
		if cfg.AMQP.MaxRetries < 1 || cfg.AMQP.MaxRetries > 10 {
			return fmt.Errorf("amqp.max_retries must be between 1 and 10, got %d", cfg.AMQP.MaxRetries)
		}
	case BusDriverPubSub:
		if cfg.PubSub.ProjectID == "" {
			return errors.New("pubsub.project_id is required when bus.driver is pubsub")
		}
	default:
		return fmt.Errorf("bus.driver must be %q or %q, got %q", BusDriverAMQP, BusDriverPubSub, cfg.Bus.Driver)
	}
	return nil
}

func validateKafkaConfig(kafka KafkaConfig) error {
	if kafka.SessionTimeoutMs < 10000 || kafka.SessionTimeoutMs > 15000 {
		return fmt.Errorf(
			"kafka.session_timeout_ms must be between 10000 and 15000 ms, got %d",
			kafka.SessionTimeoutMs,
		)
	}
	return nil
}

func validateReplicationConfig(r ReplicationConfig) error {
	if r.InvalidDatePolicy != InvalidDatePolicyNow && r.InvalidDatePolicy != InvalidDatePolicyReject {
		return fmt.Errorf("replication.invalid_date_policy must be %q or %q, got %q",
			InvalidDatePolicyNow, InvalidDatePolicyReject, r.InvalidDatePolicy)
	}
	if r.OnStoreError != StoreErrorPolicyDrop && r.OnStoreError != StoreErrorPolicyRequeue {
		return fmt.Errorf("replication.on_store_error must be %q or %q, got %q",
			StoreErrorPolicyDrop, StoreErrorPolicyRequeue, r.OnStoreError)
	}
	if r.EntityLockTTL < time.Second || r.EntityLockTTL > time.Minute {
		return fmt.Errorf("replication.entity_lock_ttl_seconds must be between 1s and 1m, got %v", r.EntityLockTTL)
	}
	return nil
}

func validateBulkSyncConfig(b BulkSyncConfig) error {
	if b.Interval < time.Minute {
		return fmt.Errorf("bulk_sync.interval_minutes must be at least 1, got %v", b.Interval)
	}
	if b.BatchSize < 1 || b.BatchSize > 10000 {
		return fmt.Errorf("bulk_sync.batch_size must be between 1 and 10000, got %d", b.BatchSize)
	}
	for _, table := range b.Tables {
		if table == consts.SyncStatusCollection {
			return fmt.Errorf("bulk_sync.tables must not include the %q collection", table)
		}
	}
	return nil
}

// GetEnvOrDefaultAsInt returns the value of the given env variable
// as an int or the default value if not set or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return int(value)
}

// GetEnvOrDefaultAsString returns the value of the given env variable or the default value if not set.
func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		if val != "" {
			return val
		}
	}
	return defaultVal
}

// GetEnvOrDefaultAsBool accepts anything strconv.ParseBool does.
func GetEnvOrDefaultAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsUint64(key string, defaultValue uint64) uint64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// LoadFromConfig loads an optional .env file, then the config file path.
func LoadFromConfig() (*AppConfig, error) {
	envFile := GetEnvOrDefaultAsString("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to load env file", slog.String("path", envFile), slog.String("error", err.Error()))
	}

	configPath := GetEnvOrDefaultAsString("CONFIG_PATH", "configs/config.yaml")

	cfg, err := LoadFromConfigFilePath(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	return cfg, nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
