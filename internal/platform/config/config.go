package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, assembled from the environment.
type Config struct {
	Environment string
	Server      Server
	Log         LogConfig
	Origin      Origin
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	NATS        NATSConfig
	S3          S3Config
	Chain       ChainConfig
	Cache       CacheConfig
	Dispatcher  DispatcherConfig
	Retention   RetentionConfig
}

// Server captures the ops HTTP listener.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

// Origin stamps every event this instance records.
type Origin struct {
	System  string
	Version string
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the cache and dead-letter backend. An empty URL
// falls back to in-process implementations.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Partitions  int32
	Replication int16
}

type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string
}

type ChainConfig struct {
	MaxAppendRetries int
}

type CacheConfig struct {
	Timeout time.Duration
	// WarmWindow is how far back startup warming reads; zero disables it.
	WarmWindow  time.Duration
	WarmTimeout time.Duration
}

type DispatcherConfig struct {
	Workers          int
	QueueSize        int
	MaxAttempts      int
	EmitTimeout      time.Duration
	InitialBackoff   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	DeadLetterCap    int64
}

type RetentionConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	PurgeMinAge   time.Duration
	ArchiveAfter  time.Duration
	PseudonymKey  string
}

// Load seeds the process environment from the given .env files (default
// ".env"), ignoring missing files, and then reads the configuration.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: Server{
			Addr:            getEnv("AUDIT_OPS_ADDR", ":9090"),
			ShutdownTimeout: getDuration("AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Origin: Origin{
			System:  getEnv("ORIGIN_SYSTEM", "auditchain"),
			Version: getEnv("ORIGIN_VERSION", "dev"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     getBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:     getList("KAFKA_BROKERS"),
			Topic:       getEnv("KAFKA_TOPIC", "audit.events"),
			Partitions:  int32(getInt("KAFKA_PARTITIONS", 3)),
			Replication: int16(getInt("KAFKA_REPLICATION", 1)),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			Stream:        getEnv("NATS_STREAM", "AUDIT"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "audit.events"),
		},
		S3: S3Config{
			Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			Prefix:   getEnv("ARCHIVE_S3_PREFIX", "audit"),
			Region:   getEnv("AWS_REGION", "eu-west-1"),
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		},
		Chain: ChainConfig{
			MaxAppendRetries: getInt("CHAIN_MAX_APPEND_RETRIES", 5),
		},
		Cache: CacheConfig{
			Timeout:     getDuration("CACHE_TIMEOUT", 2*time.Second),
			WarmWindow:  getDuration("CACHE_WARM_WINDOW", 24*time.Hour),
			WarmTimeout: getDuration("CACHE_WARM_TIMEOUT", 30*time.Second),
		},
		Dispatcher: DispatcherConfig{
			Workers:          getInt("DISPATCH_WORKERS", 4),
			QueueSize:        getInt("DISPATCH_QUEUE_SIZE", 1024),
			MaxAttempts:      getInt("DISPATCH_MAX_ATTEMPTS", 3),
			EmitTimeout:      getDuration("DISPATCH_EMIT_TIMEOUT", 5*time.Second),
			InitialBackoff:   getDuration("DISPATCH_INITIAL_BACKOFF", 200*time.Millisecond),
			BreakerThreshold: getInt("DISPATCH_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getDuration("DISPATCH_BREAKER_COOLDOWN", 30*time.Second),
			DeadLetterCap:    int64(getInt("DEAD_LETTER_CAP", 10000)),
		},
		Retention: RetentionConfig{
			SweepInterval: getDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
			BatchSize:     getInt("RETENTION_BATCH_SIZE", 500),
			PurgeMinAge:   getDuration("PURGE_MIN_AGE", 30*24*time.Hour),
			ArchiveAfter:  getDuration("ARCHIVE_AFTER", 90*24*time.Hour),
			PseudonymKey:  os.Getenv("PSEUDONYM_KEY"),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
