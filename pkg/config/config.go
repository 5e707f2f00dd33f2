// Package config loads engine configuration from the environment.
// A .env file may be loaded first by the caller (see cmd/neuralwarden).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the root configuration for the scanner engine.
type Config struct {
	Scan     *ScanConfig
	Queue    *QueueConfig
	Database *DatabaseConfig
	LLM      *LLMConfig
}

// ScanConfig controls one scan's discovery, fan-out and threat pipeline.
type ScanConfig struct {
	// MaxLogEntries caps the discovery log fetch.
	MaxLogEntries int

	// LogWindowHours is the discovery log look-back window.
	LogWindowHours int

	// BurstThreshold triggers the inner ingest fan-out above this raw log count.
	BurstThreshold int

	// ChunkSize is the inner-ingest chunk size in burst mode.
	ChunkSize int

	// PerStageDeadline bounds each graph stage.
	PerStageDeadline time.Duration

	// PerLLMDeadline bounds a single LLM call (shorter than the stage deadline).
	PerLLMDeadline time.Duration

	// SampleFraction is the validate stage's sample of clean logs.
	SampleFraction float64

	// SampleMin / SampleMax bound the validate sample size.
	SampleMin int
	SampleMax int

	// MaxConcurrency bounds parallel per-asset dispatches. Defaults to GOMAXPROCS.
	MaxConcurrency int

	// WorkerLogEntries caps the per-asset log analyzer fetch.
	WorkerLogEntries int
}

// DefaultScanConfig returns the built-in scan defaults.
func DefaultScanConfig() *ScanConfig {
	return &ScanConfig{
		MaxLogEntries:    500,
		LogWindowHours:   24,
		BurstThreshold:   1000,
		ChunkSize:        200,
		PerStageDeadline: 300 * time.Second,
		PerLLMDeadline:   120 * time.Second,
		SampleFraction:   0.05,
		SampleMin:        1,
		SampleMax:        50,
		MaxConcurrency:   runtime.GOMAXPROCS(0),
		WorkerLogEntries: 200,
	}
}

// QueueConfig controls the scan job queue workers.
type QueueConfig struct {
	// WorkerCount is the number of scan workers per replica.
	WorkerCount int

	// MaxConcurrentScans is the global in-progress limit across replicas,
	// enforced by a database COUNT check at claim time.
	MaxConcurrentScans int

	// PollInterval is the base interval for checking pending scans.
	PollInterval time.Duration

	// PollIntervalJitter randomizes the poll interval: PollInterval ± jitter.
	PollIntervalJitter time.Duration

	// ScanTimeout is the maximum wall time for one scan.
	ScanTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes last_interaction_at.
	HeartbeatInterval time.Duration

	// OrphanThreshold marks a scan orphaned after this long without a heartbeat.
	OrphanThreshold time.Duration

	// GracefulShutdownTimeout bounds the wait for in-flight scans at shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             3,
		MaxConcurrentScans:      3,
		PollInterval:            2 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		ScanTimeout:             30 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		OrphanThreshold:         5 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Minute,
	}
}

// DatabaseConfig holds PostgreSQL connection settings.
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

// DSN builds a pgx-compatible connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "neuralwarden",
		Password:        "neuralwarden",
		Database:        "neuralwarden",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// DefaultLLMConfig returns the built-in LLM defaults. The API key has no
// default; an empty key disables LLM stages (they fall back deterministically).
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 4096,
	}
}

// Load builds the full configuration from environment variables layered over
// the built-in defaults.
func Load() (*Config, error) {
	scan := DefaultScanConfig()
	scan.MaxLogEntries = envInt("MAX_LOG_ENTRIES", scan.MaxLogEntries)
	scan.LogWindowHours = envInt("LOG_WINDOW_HOURS", scan.LogWindowHours)
	scan.BurstThreshold = envInt("BURST_THRESHOLD", scan.BurstThreshold)
	scan.ChunkSize = envInt("CHUNK_SIZE", scan.ChunkSize)
	scan.PerStageDeadline = envSeconds("PER_STAGE_DEADLINE_S", scan.PerStageDeadline)
	scan.PerLLMDeadline = envSeconds("PER_LLM_DEADLINE_S", scan.PerLLMDeadline)
	scan.SampleFraction = envFloat("SAMPLE_FRACTION", scan.SampleFraction)
	scan.SampleMin = envInt("SAMPLE_MIN", scan.SampleMin)
	scan.SampleMax = envInt("SAMPLE_MAX", scan.SampleMax)
	scan.MaxConcurrency = envInt("SCAN_MAX_CONCURRENCY", scan.MaxConcurrency)
	scan.WorkerLogEntries = envInt("WORKER_LOG_ENTRIES", scan.WorkerLogEntries)
	if err := scan.validate(); err != nil {
		return nil, err
	}

	queue := DefaultQueueConfig()
	queue.WorkerCount = envInt("QUEUE_WORKER_COUNT", queue.WorkerCount)
	queue.MaxConcurrentScans = envInt("QUEUE_MAX_CONCURRENT_SCANS", queue.MaxConcurrentScans)
	queue.PollInterval = envDuration("QUEUE_POLL_INTERVAL", queue.PollInterval)
	queue.ScanTimeout = envDuration("QUEUE_SCAN_TIMEOUT", queue.ScanTimeout)
	queue.HeartbeatInterval = envDuration("QUEUE_HEARTBEAT_INTERVAL", queue.HeartbeatInterval)
	queue.OrphanThreshold = envDuration("QUEUE_ORPHAN_THRESHOLD", queue.OrphanThreshold)
	queue.GracefulShutdownTimeout = envDuration("QUEUE_SHUTDOWN_TIMEOUT", queue.GracefulShutdownTimeout)

	db := DefaultDatabaseConfig()
	db.Host = envStr("DB_HOST", db.Host)
	db.Port = envInt("DB_PORT", db.Port)
	db.User = envStr("DB_USER", db.User)
	db.Password = envStr("DB_PASSWORD", db.Password)
	db.Database = envStr("DB_NAME", db.Database)
	db.SSLMode = envStr("DB_SSL_MODE", db.SSLMode)

	llm := DefaultLLMConfig()
	llm.APIKey = envStr("ANTHROPIC_API_KEY", llm.APIKey)
	llm.Model = envStr("LLM_MODEL", llm.Model)
	llm.MaxTokens = int64(envInt("LLM_MAX_TOKENS", int(llm.MaxTokens)))

	return &Config{Scan: scan, Queue: queue, Database: db, LLM: llm}, nil
}

func (c *ScanConfig) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.BurstThreshold <= 0 {
		return fmt.Errorf("burst_threshold must be positive, got %d", c.BurstThreshold)
	}
	if c.SampleFraction < 0 || c.SampleFraction > 1 {
		return fmt.Errorf("sample_fraction must be in [0,1], got %g", c.SampleFraction)
	}
	if c.SampleMin > c.SampleMax {
		return fmt.Errorf("sample_min %d exceeds sample_max %d", c.SampleMin, c.SampleMax)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = runtime.GOMAXPROCS(0)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envSeconds reads an integer number of seconds (the *_S keys).
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

// envDuration reads a Go duration string ("30s", "5m").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
