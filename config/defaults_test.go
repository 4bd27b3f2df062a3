// 默认配置项测试。
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, EngineConfig{}, cfg.Engine)
	assert.NotEqual(t, BreakerConfig{}, cfg.Breaker)
	assert.NotEqual(t, CheckpointConfig{}, cfg.Checkpoint)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)

	// 默认配置必须能通过自身校验
	assert.NoError(t, cfg.Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 1024, cfg.MaxConnections)
	assert.Equal(t, float64(100), cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()

	assert.Equal(t, 100, cfg.MaxSteps)
	assert.Equal(t, 60*time.Second, cfg.NodeTimeout)
	assert.Equal(t, 4, cfg.MaxBranchConcurrency)
	assert.Equal(t, 4, cfg.MapConcurrency)
	assert.Equal(t, 1000, cfg.HistoryCapacity)
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 3, cfg.HalfOpenMaxProbes)
	assert.Equal(t, 2, cfg.SuccessThreshold)
}

func TestDefaultCheckpointConfig(t *testing.T) {
	cfg := DefaultCheckpointConfig()

	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 24*time.Hour, cfg.TTL)
	assert.Equal(t, "flowgraph:ckpt:", cfg.Prefix)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()

	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()

	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "flowgraph", cfg.User)
	assert.Equal(t, "flowgraph", cfg.Name)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultMongoConfig(t *testing.T) {
	cfg := DefaultMongoConfig()

	assert.Equal(t, "mongodb://localhost:27017", cfg.URI)
	assert.Equal(t, "flowgraph", cfg.Database)
	assert.Equal(t, "checkpoints", cfg.Collection)
}

func TestDefaultAuthConfig(t *testing.T) {
	cfg := DefaultAuthConfig()

	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.JWTSecret)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "flowgraph", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}
