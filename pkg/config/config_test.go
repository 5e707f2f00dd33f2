package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Scan.MaxLogEntries)
	assert.Equal(t, 1000, cfg.Scan.BurstThreshold)
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	assert.Equal(t, 30*time.Minute, cfg.Queue.ScanTimeout)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BURST_THRESHOLD", "250")
	t.Setenv("PER_STAGE_DEADLINE_S", "60")
	t.Setenv("QUEUE_POLL_INTERVAL", "750ms")
	t.Setenv("QUEUE_WORKER_COUNT", "8")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("LLM_MODEL", "claude-haiku-3-5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Scan.BurstThreshold)
	assert.Equal(t, time.Minute, cfg.Scan.PerStageDeadline)
	assert.Equal(t, 750*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "claude-haiku-3-5", cfg.LLM.Model)
}

func TestLoadMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("QUEUE_WORKER_COUNT", "many")
	t.Setenv("QUEUE_POLL_INTERVAL", "soon")
	t.Setenv("SAMPLE_FRACTION", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	assert.InDelta(t, 0.05, cfg.Scan.SampleFraction, 1e-9)
}

func TestLoadRejectsInvalidScanConfig(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "-5")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsSampleBoundsInversion(t *testing.T) {
	t.Setenv("SAMPLE_MIN", "40")
	t.Setenv("SAMPLE_MAX", "10")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	db := DefaultDatabaseConfig()
	db.Host = "db.internal"
	db.Password = "s3cret"
	assert.Equal(t,
		"host=db.internal port=5432 user=neuralwarden password=s3cret dbname=neuralwarden sslmode=disable",
		db.DSN())
}

func TestMaxConcurrencyDefaultsToGOMAXPROCS(t *testing.T) {
	t.Setenv("SCAN_MAX_CONCURRENCY", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Greater(t, cfg.Scan.MaxConcurrency, 0)
}
