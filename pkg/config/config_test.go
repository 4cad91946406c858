package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "DB_HOST", "DB_PORT", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
		"ORCHESTRATOR_QUEUE_CAPACITY", "CACHE_HEURISTIC_TTL_MS", "LLM_MODEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, 4096, cfg.Orchestrator.QueueCapacity)
	assert.Equal(t, 0.7, cfg.Orchestrator.HighSalienceThreshold)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.Executive.LLMModel)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.EpisodeRetention)
	assert.Equal(t, 500, cfg.Retention.ArchiveBatchSize)
}

func TestLoadRejectsIdleExceedingOpen(t *testing.T) {
	clearEnv(t, "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS")
	os.Setenv("DB_MAX_OPEN_CONNS", "5")
	os.Setenv("DB_MAX_IDLE_CONNS", "10")
	t.Cleanup(func() {
		os.Unsetenv("DB_MAX_OPEN_CONNS")
		os.Unsetenv("DB_MAX_IDLE_CONNS")
	})

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsZeroMaxOpenConns(t *testing.T) {
	clearEnv(t, "DB_MAX_OPEN_CONNS")
	os.Setenv("DB_MAX_OPEN_CONNS", "0")
	t.Cleanup(func() { os.Unsetenv("DB_MAX_OPEN_CONNS") })

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadCacheTTLMillisecondOverride(t *testing.T) {
	clearEnv(t, "CACHE_HEURISTIC_TTL_MS")
	os.Setenv("CACHE_HEURISTIC_TTL_MS", "1500")
	t.Cleanup(func() { os.Unsetenv("CACHE_HEURISTIC_TTL_MS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Salience.CacheTTL)
}

func TestLoadCacheTTLInvalidMillisecondOverride(t *testing.T) {
	clearEnv(t, "CACHE_HEURISTIC_TTL_MS")
	os.Setenv("CACHE_HEURISTIC_TTL_MS", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("CACHE_HEURISTIC_TTL_MS") })

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfigDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "gladys", Password: "secret",
		Database: "gladys", SSLMode: "disable",
	}
	assert.Equal(t, "host=db.internal port=5432 user=gladys password=secret dbname=gladys sslmode=disable", d.DSN())
}
