package config_test

import (
	"testing"
	"time"

	"github.com/caracal-sh/caracal/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"CARACAL_GATEWAY_PORT", "CARACAL_LOG_LEVEL", "CARACAL_DATABASE_URL",
		"CARACAL_REDIS_ADDR", "CARACAL_CACHE_TTL", "CARACAL_MERKLE_BATCH_MAX_LEAVES",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.GatewayPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 1024, cfg.MerkleBatchMaxLeaves)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CARACAL_GATEWAY_PORT", "9090")
	t.Setenv("CARACAL_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CARACAL_CACHE_TTL", "30s")
	t.Setenv("CARACAL_MERKLE_BATCH_MAX_LEAVES", "2048")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.GatewayPort)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 2048, cfg.MerkleBatchMaxLeaves)
}

func TestValidate_RejectsNonPositiveBatchLeaves(t *testing.T) {
	cfg := config.Load()
	cfg.MerkleBatchMaxLeaves = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeConsumerRetries(t *testing.T) {
	cfg := config.Load()
	cfg.ConsumerMaxRetries = -1
	assert.Error(t, cfg.Validate())
}
