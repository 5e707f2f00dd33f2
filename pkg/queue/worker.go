package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/metrics"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// Worker is a single queue worker that polls for and processes scan jobs.
type Worker struct {
	id       string
	podID    string
	store    storage.Store
	config   *config.QueueConfig
	executor ScanExecutor
	pool     ScanRegistry
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking.
	mu             sync.RWMutex
	status         WorkerStatus
	currentScanID  string
	scansProcessed int
	lastActivity   time.Time
}

// ScanRegistry is the subset of WorkerPool used by Worker for cancel
// registration.
type ScanRegistry interface {
	RegisterScan(scanID string, cancel context.CancelFunc)
	UnregisterScan(scanID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, store storage.Store, cfg *config.QueueConfig, executor ScanExecutor, pool ScanRegistry, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		logger:       logger,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. Safe to call
// multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentScanID:  w.currentScanID,
		ScansProcessed: w.scansProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := w.logger.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoScansAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing scan", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending job and runs it. The global
// in-progress limit is enforced inside the claim transaction, so replicas
// cannot race past it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.store.ClaimNextScan(ctx, w.podID, w.config.MaxConcurrentScans)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoScansAvailable
	}
	if errors.Is(err, storage.ErrAtCapacity) {
		return ErrAtCapacity
	}
	if err != nil {
		return fmt.Errorf("claiming scan: %w", err)
	}

	log := w.logger.With("scan_id", job.ID, "worker_id", w.id)
	log.Info("scan claimed", "account_id", job.AccountID)

	// Running scan-log record; the orchestrator's finalize completes it.
	if err := w.store.CreateScanLog(ctx, job.ID, job.AccountID); err != nil {
		log.Warn("failed to create running scan log", "error", err)
	}

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	started := time.Now()
	metrics.ActiveScans.Inc()
	defer metrics.ActiveScans.Dec()

	scanCtx, cancelScan := context.WithTimeout(ctx, w.config.ScanTimeout)
	defer cancelScan()

	// Register cancel for API-triggered cancellation.
	w.pool.RegisterScan(job.ID, cancelScan)
	defer w.pool.UnregisterScan(job.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(scanCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	result := w.executor.Execute(scanCtx, job)

	if result == nil {
		switch {
		case errors.Is(scanCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.JobTimedOut,
				Error:  fmt.Errorf("scan timed out after %v", w.config.ScanTimeout),
			}
		case errors.Is(scanCtx.Err(), context.Canceled):
			result = &ExecutionResult{Status: models.JobCancelled, Error: context.Canceled}
		default:
			result = &ExecutionResult{
				Status: models.JobFailed,
				Error:  fmt.Errorf("executor returned nil result"),
			}
		}
	}
	if result.Status == "" && errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		result.Status = models.JobTimedOut
		result.Error = fmt.Errorf("scan timed out after %v", w.config.ScanTimeout)
	}
	if result.Status == "" && errors.Is(scanCtx.Err(), context.Canceled) {
		result.Status = models.JobCancelled
		result.Error = context.Canceled
	}

	cancelHeartbeat()

	// Background context: the scan context may already be cancelled.
	var errMsg string
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	if err := w.store.CompleteScan(context.Background(), job.ID, result.Status, result.Summary, errMsg); err != nil {
		log.Error("failed to record terminal scan status", "error", err)
		return err
	}

	w.mu.Lock()
	w.scansProcessed++
	w.mu.Unlock()

	metrics.RecordScanComplete(string(result.Status), time.Since(started))
	log.Info("scan processing complete", "status", result.Status)
	return nil
}

// runHeartbeat periodically refreshes last_interaction_at for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, scanID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatScan(ctx, scanID); err != nil {
				w.logger.Warn("heartbeat update failed", "scan_id", scanID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter so replicas don't hit
// the queue in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, scanID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentScanID = scanID
	w.lastActivity = time.Now()
}
