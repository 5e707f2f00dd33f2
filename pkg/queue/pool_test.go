package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// stubExecutor records executed jobs and returns a canned result.
type stubExecutor struct {
	mu      sync.Mutex
	jobs    []string
	result  *ExecutionResult
	block   chan struct{} // when set, Execute waits for it (or ctx)
	started chan string
}

func (s *stubExecutor) Execute(ctx context.Context, job *models.ScanJob) *ExecutionResult {
	s.mu.Lock()
	s.jobs = append(s.jobs, job.ID)
	s.mu.Unlock()
	if s.started != nil {
		s.started <- job.ID
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil
		}
	}
	if s.result != nil {
		return s.result
	}
	return &ExecutionResult{Status: models.JobCompleted, Summary: "ok"}
}

func (s *stubExecutor) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ScanTimeout = time.Second
	return cfg
}

func enqueue(t *testing.T, store storage.Store) *models.ScanJob {
	t.Helper()
	account := &models.Account{Name: "prod", ProjectID: "test-project"}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	job, err := store.EnqueueScan(context.Background(), account.ID)
	require.NoError(t, err)
	return job
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPoolProcessesQueuedScan(t *testing.T) {
	store := storage.NewMemoryStore()
	job := enqueue(t, store)
	executor := &stubExecutor{}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	waitFor(t, func() bool {
		done, err := store.GetScanJob(context.Background(), job.ID)
		return err == nil && done.Status == models.JobCompleted
	})

	done, err := store.GetScanJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", done.Summary)
	assert.Equal(t, "pod-1", done.PodID)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, []string{job.ID}, executor.executed())
}

func TestPoolMapsPartialResult(t *testing.T) {
	store := storage.NewMemoryStore()
	job := enqueue(t, store)
	executor := &stubExecutor{result: &ExecutionResult{
		Status:  models.JobPartial,
		Summary: "2 assets, 1 finding",
	}}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	waitFor(t, func() bool {
		done, err := store.GetScanJob(context.Background(), job.ID)
		return err == nil && done.Status == models.JobPartial
	})
}

func TestPoolCancelScan(t *testing.T) {
	store := storage.NewMemoryStore()
	job := enqueue(t, store)
	executor := &stubExecutor{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	<-executor.started
	assert.True(t, pool.CancelScan(job.ID))
	assert.False(t, pool.CancelScan("unknown"))

	// Cancellation makes the stub return nil; the worker synthesizes a
	// cancelled terminal status.
	waitFor(t, func() bool {
		done, err := store.GetScanJob(context.Background(), job.ID)
		return err == nil && done.Status == models.JobCancelled
	})
}

func TestPoolStopWaitsForInFlightScan(t *testing.T) {
	store := storage.NewMemoryStore()
	job := enqueue(t, store)
	executor := &stubExecutor{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))

	<-executor.started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(executor.block)
	}()
	pool.Stop()

	done, err := store.GetScanJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
}

func TestPoolHonorsConcurrencyLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	first := enqueue(t, store)
	second, err := store.EnqueueScan(context.Background(), first.AccountID)
	require.NoError(t, err)

	executor := &stubExecutor{
		block:   make(chan struct{}),
		started: make(chan string, 2),
	}
	cfg := testQueueConfig()
	cfg.MaxConcurrentScans = 1

	pool := NewWorkerPool("pod-1", store, cfg, executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	<-executor.started

	// The second worker polls at capacity; the second job must stay pending.
	time.Sleep(50 * time.Millisecond)
	pending, err := store.GetScanJob(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, pending.Status)

	close(executor.block)
	waitFor(t, func() bool {
		done, err := store.GetScanJob(context.Background(), second.ID)
		return err == nil && done.Status == models.JobCompleted
	})
}

func TestPoolHealth(t *testing.T) {
	store := storage.NewMemoryStore()
	executor := &stubExecutor{}
	cfg := testQueueConfig()

	pool := NewWorkerPool("pod-1", store, cfg, executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-1", health.PodID)
	assert.Equal(t, cfg.WorkerCount, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, cfg.WorkerCount)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubExecutor{}, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.NoError(t, pool.Start(context.Background()))
	assert.Equal(t, testQueueConfig().WorkerCount, len(pool.workers))
}

func TestWorkerHeartbeatRefreshesJob(t *testing.T) {
	store := storage.NewMemoryStore()
	job := enqueue(t, store)
	executor := &stubExecutor{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	defer close(executor.block)

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), executor, slog.New(slog.DiscardHandler))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	<-executor.started
	claimed, err := store.GetScanJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.LastInteractionAt)
	first := *claimed.LastInteractionAt

	waitFor(t, func() bool {
		current, err := store.GetScanJob(context.Background(), job.ID)
		return err == nil && current.LastInteractionAt != nil && current.LastInteractionAt.After(first)
	})
}
