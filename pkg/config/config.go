// Package config loads GLADyS runtime configuration from the environment,
// following the same getenv-with-default-then-validate shape as
// pkg/database.LoadConfigFromEnv in the reference orchestrator service this
// codebase descends from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OrchestratorConfig holds the Event Orchestrator's tunables.
type OrchestratorConfig struct {
	Port                  string
	QueueCapacity         int
	HighSalienceThreshold float64
	FallbackNovelty       float64
	OutcomeDeadline       time.Duration
	HeartbeatDeadAfter    time.Duration
	DrainInterval         time.Duration

	EventPublishTimeout time.Duration
	SlowPathTimeout     time.Duration
	SalienceCallTimeout time.Duration
}

// SalienceConfig holds the Salience Gateway's tunables.
type SalienceConfig struct {
	Address                string
	CacheCapacity          int
	CacheTTL               time.Duration
	MinHeuristicSimilarity float64
	MinHeuristicConfidence float64
	NoveltyThreshold       float64
}

// ExecutiveConfig holds the Decision/Learning Layer's tunables.
type ExecutiveConfig struct {
	Address                   string
	LLMBaseURL                string
	LLMAPIKey                 string
	LLMModel                  string
	ExtractionSimilarityDedup float64
	MinConditionTextLen       int
}

// MemoryConfig holds the Memory Store's tunables.
type MemoryConfig struct {
	Address      string
	EmbeddingDim int
	VecIndexPath string
}

// RetentionConfig tunes the periodic episodic-memory archival sweep.
type RetentionConfig struct {
	EpisodeRetention time.Duration
	FeedbackTTL      time.Duration
	SweepInterval    time.Duration
	ArchiveBatchSize int
}

// Config is the aggregate of every subsystem's configuration, loaded once at
// process startup.
type Config struct {
	DB           DatabaseConfig
	Orchestrator OrchestratorConfig
	Salience     SalienceConfig
	Executive    ExecutiveConfig
	Memory       MemoryConfig
	Retention    RetentionConfig
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads the full configuration from the environment, applying lenient
// defaults: missing or wrongly-typed values fall back to documented
// defaults rather than panicking. Two cases return an error instead: a
// CACHE_HEURISTIC_TTL_MS that is not an integer, and DB_MAX_IDLE_CONNS
// exceeding DB_MAX_OPEN_CONNS.
func Load() (*Config, error) {
	cfg := &Config{
		DB: DatabaseConfig{
			Host:            getenv("DB_HOST", "localhost"),
			Port:            getenvInt("DB_PORT", 5432),
			User:            getenv("DB_USER", "gladys"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getenv("DB_NAME", "gladys"),
			SSLMode:         getenv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getenvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getenvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getenvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: getenvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			Port:                  getenv("ORCHESTRATOR_PORT", "9001"),
			QueueCapacity:         getenvInt("ORCHESTRATOR_QUEUE_CAPACITY", 4096),
			HighSalienceThreshold: getenvFloat("ORCHESTRATOR_HIGH_THRESHOLD", 0.7),
			FallbackNovelty:       getenvFloat("ORCHESTRATOR_FALLBACK_NOVELTY", 0.75),
			OutcomeDeadline:       getenvDuration("ORCHESTRATOR_OUTCOME_DEADLINE", 60*time.Second),
			HeartbeatDeadAfter:    getenvDuration("ORCHESTRATOR_HEARTBEAT_DEAD_AFTER", 90*time.Second),
			DrainInterval:         getenvDuration("ORCHESTRATOR_DRAIN_INTERVAL", 5*time.Second),
			EventPublishTimeout:   getenvDuration("ORCHESTRATOR_PUBLISH_TIMEOUT", 100*time.Millisecond),
			SlowPathTimeout:       getenvDuration("ORCHESTRATOR_SLOWPATH_TIMEOUT", 10*time.Second),
			SalienceCallTimeout:   getenvDuration("ORCHESTRATOR_SALIENCE_TIMEOUT", 500*time.Millisecond),
		},
		Salience: SalienceConfig{
			Address:                getenv("SALIENCE_ADDRESS", "localhost:9002"),
			CacheCapacity:          getenvInt("CACHE_HEURISTIC_CAPACITY", 50),
			MinHeuristicSimilarity: getenvFloat("SALIENCE_MIN_HEURISTIC_SIMILARITY", 0.7),
			MinHeuristicConfidence: getenvFloat("SALIENCE_MIN_HEURISTIC_CONFIDENCE", 0.5),
			NoveltyThreshold:       getenvFloat("CACHE_NOVELTY_THRESHOLD", 0.6),
		},
		Executive: ExecutiveConfig{
			Address:                   getenv("EXECUTIVE_ADDRESS", "localhost:9003"),
			LLMBaseURL:                getenv("LLM_BASE_URL", "https://api.anthropic.com/v1"),
			LLMAPIKey:                 os.Getenv("LLM_API_KEY"),
			LLMModel:                  getenv("LLM_MODEL", "claude-3-5-sonnet-20241022"),
			ExtractionSimilarityDedup: getenvFloat("EXECUTIVE_DEDUP_SIMILARITY", 0.95),
			MinConditionTextLen:       getenvInt("EXECUTIVE_MIN_CONDITION_LEN", 5),
		},
		Memory: MemoryConfig{
			Address:      getenv("MEMORY_ADDRESS", "localhost:9004"),
			EmbeddingDim: getenvInt("MEMORY_EMBEDDING_DIM", 384),
			VecIndexPath: getenv("MEMORY_VEC_INDEX_PATH", "./data/heuristics_vec.db"),
		},
		Retention: RetentionConfig{
			EpisodeRetention: getenvDuration("RETENTION_EPISODE_DAYS", 90*24*time.Hour),
			FeedbackTTL:      getenvDuration("RETENTION_FEEDBACK_TTL", 30*24*time.Hour),
			SweepInterval:    getenvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
			ArchiveBatchSize: getenvInt("RETENTION_ARCHIVE_BATCH_SIZE", 500),
		},
	}

	// CACHE_HEURISTIC_TTL_MS is read as a raw millisecond count (0 disables
	// TTL eviction), not a Go duration string.
	if raw := os.Getenv("CACHE_HEURISTIC_TTL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("CACHE_HEURISTIC_TTL_MS: %w", err)
		}
		cfg.Salience.CacheTTL = time.Duration(ms) * time.Millisecond
	}

	if cfg.DB.MaxIdleConns > cfg.DB.MaxOpenConns {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)", cfg.DB.MaxIdleConns, cfg.DB.MaxOpenConns)
	}
	if cfg.DB.MaxOpenConns < 1 {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}

	return cfg, nil
}

// DSN builds the Postgres connection string pgx expects.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}
