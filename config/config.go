package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/graph"
	"github.com/Ramsey-B/lily/pkg/ingestion"
	"github.com/Ramsey-B/lily/pkg/kafka"
	"github.com/Ramsey-B/lily/pkg/matching"
	"github.com/Ramsey-B/lily/pkg/redis"
	"github.com/Ramsey-B/lily/pkg/resolution"
	"github.com/Ramsey-B/lily/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `envconfig:"APP_NAME" default:"lily-api"`
	Port                          int      `envconfig:"PORT" default:"3004"`
	LogLevel                      string   `envconfig:"LOG_LEVEL" default:"info"`
	PrettyLogs                    bool     `envconfig:"PRETTY_LOGS" default:"false"`
	HttpServerWriteTimeoutSeconds int      `envconfig:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" default:"10"`
	HttpServerReadTimeoutSeconds  int      `envconfig:"HTTP_SERVER_READ_TIMEOUT_SECONDS" default:"10"`
	HttpServerIdleTimeoutSeconds  int      `envconfig:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" default:"10"`
	MaxHeaderBytes                int      `envconfig:"HTTP_SERVER_MAX_HEADER_BYTES" default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `envconfig:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" default:"10"`
	AllowOrigins                  []string `envconfig:"HTTP_SERVER_ALLOW_ORIGINS" default:"*"`
	AllowMethods                  []string `envconfig:"HTTP_SERVER_ALLOW_METHODS" default:"GET,POST"`
	StartupMaxAttempts            int      `envconfig:"STARTUP_MAX_ATTEMPTS" default:"5"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// StoreDriver selects postgres or memory. Memory keeps everything in process and
	// is meant for local runs.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	// PostgreSQL
	DatabaseHost                  string        `envconfig:"DB_HOST" default:"localhost"`
	DatabasePort                  string        `envconfig:"DB_PORT" default:"5432"`
	DatabaseUserName              string        `envconfig:"DB_USER_NAME" default:""`
	DatabasePassword              string        `envconfig:"DB_PASSWORD" default:""`
	DatabaseName                  string        `envconfig:"DB_NAME" default:"lily"`
	DatabaseSSLMode               string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DatabaseMaxOpenConns          int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DatabaseMaxIdleConns          int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	DatabaseConnMaxLifetime       time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"10m"`
	DatabaseMigrationFolderPath   string        `envconfig:"DB_MIGRATION_FOLDER_PATH" default:"pg"`
	DatabaseMigrationVersion      int           `envconfig:"DB_MIGRATION_VERSION" default:"0"`
	DatabaseMigrationForce        int           `envconfig:"DB_MIGRATION_FORCE" default:"0"`
	DatabaseMigrationAutoRollback bool          `envconfig:"DB_MIGRATION_AUTO_ROLLBACK" default:"true"`

	// Graph Database (Memgraph)
	GraphEnabled    bool   `envconfig:"GRAPH_ENABLED" default:"false"`
	GraphDBHost     string `envconfig:"GRAPH_DB_HOST" default:"localhost"`
	GraphDBPort     int    `envconfig:"GRAPH_DB_PORT" default:"7687"`
	GraphDBUser     string `envconfig:"GRAPH_DB_USER" default:""`
	GraphDBPassword string `envconfig:"GRAPH_DB_PASSWORD" default:""`

	// Redis (distributed locks). Without it locks are held in process, which is only
	// correct for a single replica.
	RedisEnabled   bool   `envconfig:"REDIS_ENABLED" default:"false"`
	RedisHost      string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort      int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"lily"`

	// Locking
	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"2s"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	// Kafka consumer (scraper observation feed)
	KafkaBrokers         []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaInputTopic      string        `envconfig:"KAFKA_INPUT_TOPIC" default:"swim-observations"`
	KafkaConsumerGroup   string        `envconfig:"KAFKA_CONSUMER_GROUP" default:"lily-consumer"`
	KafkaConsumerEnabled bool          `envconfig:"KAFKA_CONSUMER_ENABLED" default:"false"`
	KafkaRetryDelay      time.Duration `envconfig:"KAFKA_RETRY_DELAY" default:"5s"`

	// Kafka producer (entity lifecycle events)
	KafkaProducerEnabled bool   `envconfig:"KAFKA_PRODUCER_ENABLED" default:"false"`
	KafkaOutputTopic     string `envconfig:"KAFKA_OUTPUT_TOPIC" default:"swim-entity-events"`
	KafkaBatchSize       int    `envconfig:"KAFKA_BATCH_SIZE" default:"100"`
	KafkaBatchTimeoutMS  int    `envconfig:"KAFKA_BATCH_TIMEOUT_MS" default:"100"`
	KafkaRequiredAcks    int    `envconfig:"KAFKA_REQUIRED_ACKS" default:"1"`
	KafkaCompression     string `envconfig:"KAFKA_COMPRESSION" default:"snappy"`

	// Tracing
	TracingExporter string `envconfig:"TRACING_EXPORTER" default:"none"`
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT" default:"localhost:4317"`
	TracingInsecure bool   `envconfig:"TRACING_INSECURE" default:"true"`

	// Resolution policy
	AutoMergeThreshold    float64 `envconfig:"AUTO_MERGE_THRESHOLD" default:"0.95"`
	ReviewThreshold       float64 `envconfig:"REVIEW_THRESHOLD" default:"0.75"`
	ResolveMaxAttempts    int     `envconfig:"RESOLVE_MAX_ATTEMPTS" default:"5"`
	GenderVeto            bool    `envconfig:"GENDER_VETO" default:"true"`
	BirthYearMaxDelta     int     `envconfig:"BIRTH_YEAR_MAX_DELTA" default:"2"`
	BirthYearBucketSize   int     `envconfig:"BIRTH_YEAR_BUCKET_SIZE" default:"4"`
	MaxCandidates         int     `envconfig:"MAX_CANDIDATES" default:"100"`
	BlockFetchLimit       int     `envconfig:"BLOCK_FETCH_LIMIT" default:"1000"`
	MissingAttributeScore float64 `envconfig:"MISSING_ATTRIBUTE_SCORE" default:"0.5"`
	SwimmerNameWeight     float64 `envconfig:"SWIMMER_NAME_WEIGHT" default:"0.60"`
	SwimmerGenderWeight   float64 `envconfig:"SWIMMER_GENDER_WEIGHT" default:"0.10"`
	SwimmerBirthWeight    float64 `envconfig:"SWIMMER_BIRTH_YEAR_WEIGHT" default:"0.15"`
	SwimmerTeamWeight     float64 `envconfig:"SWIMMER_AFFILIATION_WEIGHT" default:"0.15"`
	TeamNameWeight        float64 `envconfig:"TEAM_NAME_WEIGHT" default:"0.70"`
	TeamStateWeight       float64 `envconfig:"TEAM_STATE_WEIGHT" default:"0.15"`
	TeamTypeWeight        float64 `envconfig:"TEAM_TYPE_WEIGHT" default:"0.15"`

	// Ingestion
	IngestContentionRetries int           `envconfig:"INGEST_CONTENTION_RETRIES" default:"3"`
	IngestRetryBackoff      time.Duration `envconfig:"INGEST_RETRY_BACKOFF" default:"100ms"`
	IngestMaxRetryBackoff   time.Duration `envconfig:"INGEST_MAX_RETRY_BACKOFF" default:"2s"`
	IngestMaxSources        int           `envconfig:"INGEST_MAX_CONCURRENT_SOURCES" default:"8"`
}

// Load reads an optional .env file, then the environment. Variables already set in the
// environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("PORT must be > 0"))
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 || c.AutoMergeThreshold < 0 || c.AutoMergeThreshold > 1 {
		errs = append(errs, fmt.Errorf("thresholds must be within [0, 1]"))
	}
	if c.ReviewThreshold > c.AutoMergeThreshold {
		errs = append(errs, fmt.Errorf("REVIEW_THRESHOLD (%.2f) cannot exceed AUTO_MERGE_THRESHOLD (%.2f)", c.ReviewThreshold, c.AutoMergeThreshold))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be > 0"))
	}
	if c.RedisEnabled && c.LockTTL <= c.LockTimeout {
		errs = append(errs, fmt.Errorf("LOCK_TTL must exceed LOCK_TIMEOUT"))
	}
	if (c.KafkaConsumerEnabled || c.KafkaProducerEnabled) && len(c.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when kafka is enabled"))
	}
	switch strings.ToLower(c.TracingExporter) {
	case "none", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("TRACING_EXPORTER must be none, grpc or http"))
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DatabaseUserName, c.DatabasePassword, c.DatabaseHost, c.DatabasePort, c.DatabaseName, c.DatabaseSSLMode)
}

func (c *Config) MigrationConfig() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(c.DatabaseMigrationVersion),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Similarity() matching.Config {
	return matching.Config{
		Swimmer: matching.SwimmerWeights{
			Name:        c.SwimmerNameWeight,
			Gender:      c.SwimmerGenderWeight,
			BirthYear:   c.SwimmerBirthWeight,
			Affiliation: c.SwimmerTeamWeight,
		},
		Team: matching.TeamWeights{
			Name:  c.TeamNameWeight,
			State: c.TeamStateWeight,
			Type:  c.TeamTypeWeight,
		},
		GenderVeto:            c.GenderVeto,
		BirthYearMaxDelta:     c.BirthYearMaxDelta,
		MissingAttributeScore: c.MissingAttributeScore,
	}
}

func (c *Config) Blocking() matching.BlockingConfig {
	return matching.BlockingConfig{
		BirthYearBucketSize: c.BirthYearBucketSize,
		MaxCandidates:       c.MaxCandidates,
		FetchLimit:          c.BlockFetchLimit,
	}
}

func (c *Config) ResolutionPolicy() resolution.Config {
	return resolution.Config{
		AutoMergeThreshold: c.AutoMergeThreshold,
		ReviewThreshold:    c.ReviewThreshold,
		MaxAttempts:        c.ResolveMaxAttempts,
	}
}

func (c *Config) Ingestion() ingestion.Config {
	return ingestion.Config{
		ContentionRetries:    c.IngestContentionRetries,
		RetryBackoff:         c.IngestRetryBackoff,
		MaxRetryBackoff:      c.IngestMaxRetryBackoff,
		MaxConcurrentSources: c.IngestMaxSources,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{
		Host:     c.GraphDBHost,
		Port:     c.GraphDBPort,
		Username: c.GraphDBUser,
		Password: c.GraphDBPassword,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:       c.KafkaBrokers,
		Topic:         c.KafkaInputTopic,
		ConsumerGroup: c.KafkaConsumerGroup,
		RetryDelay:    c.KafkaRetryDelay,
	}
}

func (c *Config) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        c.KafkaOutputTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeoutMS) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

// Tracing returns the OTLP exporter settings, or false when tracing is off.
func (c *Config) Tracing() (exporters.OTLPConfig, bool) {
	cfg := exporters.DefaultOTLPConfig()
	cfg.Protocol = strings.ToLower(c.TracingExporter)
	cfg.Endpoint = c.TracingEndpoint
	cfg.Insecure = c.TracingInsecure
	return cfg, cfg.Protocol != "none"
}
