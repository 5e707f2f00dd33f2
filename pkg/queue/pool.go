package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// WorkerPool manages a pool of queue workers plus the orphan recovery loop.
type WorkerPool struct {
	podID    string
	store    storage.Store
	config   *config.QueueConfig
	executor ScanExecutor
	logger   *slog.Logger
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Scan cancel registry: scan_id -> cancel function.
	activeScans map[string]context.CancelFunc
	mu          sync.RWMutex
	started     bool

	orphans orphanState
}

type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, store storage.Store, cfg *config.QueueConfig, executor ScanExecutor, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		podID:       podID,
		store:       store,
		config:      cfg,
		executor:    executor,
		logger:      logger,
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeScans: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan recovery background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	p.logger.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor, p, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	p.logger.Info("worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current scans (graceful shutdown).
func (p *WorkerPool) Stop() {
	p.logger.Info("stopping worker pool gracefully")

	active := p.activeScanIDs()
	if len(active) > 0 {
		p.logger.Info("waiting for active scans to complete",
			"count", len(active), "scan_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("worker pool stopped gracefully")
}

// RegisterScan stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterScan(scanID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeScans[scanID] = cancel
}

// UnregisterScan removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterScan(scanID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeScans, scanID)
}

// CancelScan triggers context cancellation for a scan running on this pod.
// Returns true if the scan was found here.
func (p *WorkerPool) CancelScan(scanID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeScans[scanID]; ok {
		cancel()
		return true
	}
	return false
}

// runOrphanRecovery periodically requeues in-progress scans whose heartbeat
// went stale. All pods run this independently; the UPDATE is idempotent.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	interval := p.config.OrphanThreshold
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			recovered, err := p.store.RecoverOrphanedScans(ctx, p.config.OrphanThreshold)
			if err != nil {
				p.logger.Error("orphan recovery failed", "error", err)
				continue
			}
			if recovered > 0 {
				p.logger.Warn("recovered orphaned scans", "count", recovered)
			}
			p.orphans.mu.Lock()
			p.orphans.lastOrphanScan = time.Now()
			p.orphans.orphansRecovered += recovered
			p.orphans.mu.Unlock()
		}
	}
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	activeScans, dbErr := p.store.CountActiveScans(ctx)
	if dbErr != nil {
		p.logger.Error("failed to count active scans for health check",
			"pod_id", p.podID, "error", dbErr)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := dbErr == nil
	isHealthy := len(p.workers) > 0 && activeScans <= p.config.MaxConcurrentScans && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if dbErr != nil {
		dbError = fmt.Sprintf("active scans query failed: %v", dbErr)
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveScans:      activeScans,
		MaxConcurrent:    p.config.MaxConcurrentScans,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

func (p *WorkerPool) activeScanIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	scans := make([]string, 0, len(p.activeScans))
	for id := range p.activeScans {
		scans = append(scans, id)
	}
	return scans
}
