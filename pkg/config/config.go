// Package config loads Caracal's process configuration from environment
// variables. Per the scope carried from the kernel project, there is no
// YAML config layer: every knob is a 12-factor env var with a safe default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable needed to wire cmd/caracal-server.
type Config struct {
	// HTTP surface
	GatewayPort string
	LogLevel    string

	// Storage
	DatabaseURL string

	// Event bus (Redis Streams; see pkg/eventbus)
	RedisAddr      string
	RedisPassword  string
	EventBusStreamPartitions int

	// Crypto / signing (pkg/crypto)
	HSMKeyDir    string
	SigningKeyID string

	// Policy + spending cache (pkg/cache)
	CacheTTL      time.Duration
	CacheMaxEntries int

	// Merkle batcher (pkg/merklebatch)
	MerkleBatchMaxLeaves int
	MerkleBatchMaxAge    time.Duration

	// Snapshot storage (pkg/snapshot): file by default, s3 or gcs for
	// offsite archival.
	SnapshotBackend    string
	SnapshotDir        string
	SnapshotS3Bucket   string
	SnapshotS3Region   string
	SnapshotS3Endpoint string
	SnapshotS3Prefix   string
	SnapshotGCSBucket  string
	SnapshotGCSPrefix  string

	// Gateway replay protection
	NonceWindow    time.Duration
	MaxSeenNonces  int
	UpstreamTimeout time.Duration

	// Event bus consumer retry
	ConsumerMaxRetries int

	// Observability
	OTLPEndpoint       string
	ObservabilityEnabled bool
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load reads the process configuration from the environment, applying the
// same defaults the gateway uses when deployed with nothing set: a local
// Postgres, a local Redis, and a 60s/1024-leaf Merkle batch.
func Load() *Config {
	return &Config{
		GatewayPort: getenv("CARACAL_GATEWAY_PORT", "8080"),
		LogLevel:    getenv("CARACAL_LOG_LEVEL", "INFO"),

		DatabaseURL: getenv("CARACAL_DATABASE_URL", "postgres://caracal@localhost:5432/caracal?sslmode=disable"),

		RedisAddr:                getenv("CARACAL_REDIS_ADDR", "localhost:6379"),
		RedisPassword:            getenv("CARACAL_REDIS_PASSWORD", ""),
		EventBusStreamPartitions: getenvInt("CARACAL_EVENTBUS_PARTITIONS", 8),

		HSMKeyDir:    getenv("CARACAL_HSM_KEY_DIR", "./caracal-keys"),
		SigningKeyID: getenv("CARACAL_SIGNING_KEY_ID", "caracal-primary"),

		CacheTTL:        getenvDuration("CARACAL_CACHE_TTL", 60*time.Second),
		CacheMaxEntries: getenvInt("CARACAL_CACHE_MAX_ENTRIES", 10000),

		MerkleBatchMaxLeaves: getenvInt("CARACAL_MERKLE_BATCH_MAX_LEAVES", 1024),
		MerkleBatchMaxAge:    getenvDuration("CARACAL_MERKLE_BATCH_MAX_AGE", 60*time.Second),

		SnapshotBackend:    getenv("CARACAL_SNAPSHOT_BACKEND", "file"),
		SnapshotDir:        getenv("CARACAL_SNAPSHOT_DIR", "./caracal-snapshots"),
		SnapshotS3Bucket:   getenv("CARACAL_SNAPSHOT_S3_BUCKET", ""),
		SnapshotS3Region:   getenv("CARACAL_SNAPSHOT_S3_REGION", "us-east-1"),
		SnapshotS3Endpoint: getenv("CARACAL_SNAPSHOT_S3_ENDPOINT", ""),
		SnapshotS3Prefix:   getenv("CARACAL_SNAPSHOT_S3_PREFIX", "snapshots/"),
		SnapshotGCSBucket:  getenv("CARACAL_SNAPSHOT_GCS_BUCKET", ""),
		SnapshotGCSPrefix:  getenv("CARACAL_SNAPSHOT_GCS_PREFIX", "snapshots/"),

		NonceWindow:     getenvDuration("CARACAL_NONCE_WINDOW", 300*time.Second),
		MaxSeenNonces:   getenvInt("CARACAL_MAX_SEEN_NONCES", 100000),
		UpstreamTimeout: getenvDuration("CARACAL_UPSTREAM_TIMEOUT", 30*time.Second),

		ConsumerMaxRetries: getenvInt("CARACAL_CONSUMER_MAX_RETRIES", 5),

		OTLPEndpoint:         getenv("CARACAL_OTLP_ENDPOINT", "localhost:4317"),
		ObservabilityEnabled: getenvBool("CARACAL_OBSERVABILITY_ENABLED", true),
	}
}

// Validate checks that the configuration is self-consistent enough to boot.
// It does not attempt to dial anything; connectivity failures are the
// caller's responsibility to surface as DependencyUnavailable at startup.
func (c *Config) Validate() error {
	if c.MerkleBatchMaxLeaves <= 0 {
		return fmt.Errorf("config: merkle batch max leaves must be positive, got %d", c.MerkleBatchMaxLeaves)
	}
	if c.MerkleBatchMaxAge <= 0 {
		return fmt.Errorf("config: merkle batch max age must be positive, got %s", c.MerkleBatchMaxAge)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("config: cache max entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.ConsumerMaxRetries < 0 {
		return fmt.Errorf("config: consumer max retries cannot be negative, got %d", c.ConsumerMaxRetries)
	}
	return nil
}
