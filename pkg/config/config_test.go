package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	envVars := []string{
		"SERVICE_NAME", "ENV", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR",
		"EVENT_TRANSPORT", "ETL_SOURCES", "KRX_MARKETS", "KRX_MARKET_CAP_THRESHOLD",
		"KRX_SKIP_ZERO_VOLUME", "SYNC_DONE_TTL", "MAPPING_TTL", "LOAD_MODE",
		"LOAD_BATCH_SIZE", "PG_MAX_CONNS", "OPS_PORT", "RUN_MODE",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "krx-etl", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "nats", cfg.EventTransport)
	assert.Equal(t, []string{"KRX"}, cfg.Sources)
	assert.Equal(t, []string{"KOSPI", "KOSDAQ"}, cfg.KRXMarkets)
	assert.Equal(t, 1e8, cfg.MarketCapThreshold)
	assert.True(t, cfg.SkipZeroVolume)
	assert.Equal(t, 25*time.Hour, cfg.SyncDoneTTL)
	assert.Equal(t, 24*time.Hour, cfg.MappingTTL)
	assert.Equal(t, "upsert", cfg.LoadMode)
	assert.Equal(t, 1000, cfg.LoadBatchSize)
	assert.Equal(t, 10, cfg.PGMaxConns)
	assert.Equal(t, 9020, cfg.OpsPort)
	assert.Equal(t, "once", cfg.RunMode)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KRX_MARKETS", " kospi, konex ,")
	t.Setenv("KRX_SKIP_ZERO_VOLUME", "false")
	t.Setenv("KRX_MARKET_CAP_THRESHOLD", "1e6")
	t.Setenv("STAGE_TIMEOUT", "90s")
	t.Setenv("LOAD_BATCH_SIZE", "250")

	cfg := Load()

	assert.Equal(t, []string{"KOSPI", "KONEX"}, cfg.KRXMarkets)
	assert.False(t, cfg.SkipZeroVolume)
	assert.Equal(t, 1e6, cfg.MarketCapThreshold)
	assert.Equal(t, 90*time.Second, cfg.StageTimeout)
	assert.Equal(t, 250, cfg.LoadBatchSize)
}

func TestGetEnvHelpers_InvalidFallBack(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_FLOAT", "1.2.3")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "ten minutes")
	t.Setenv("X_LIST", " , ")

	assert.Equal(t, 7, GetEnvInt("X_INT", 7))
	assert.Equal(t, 0.5, GetEnvFloat("X_FLOAT", 0.5))
	assert.True(t, GetEnvBool("X_BOOL", true))
	assert.Equal(t, time.Minute, GetEnvDuration("X_DUR", time.Minute))
	assert.Equal(t, []string{"A"}, GetEnvList("X_LIST", []string{"A"}))
}
