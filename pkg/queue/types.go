// Package queue runs the scan job workers: each replica polls the database
// queue, claims jobs with SKIP LOCKED, heartbeats while scanning, and
// recovers scans orphaned by crashed pods.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// Sentinel errors returned by the polling path.
var (
	// ErrNoScansAvailable means the queue has no pending jobs.
	ErrNoScansAvailable = errors.New("no scans available")

	// ErrAtCapacity means the global in-progress limit is reached.
	ErrAtCapacity = errors.New("at maximum concurrent scans")
)

// ScanExecutor runs one claimed scan job to completion.
type ScanExecutor interface {
	Execute(ctx context.Context, job *models.ScanJob) *ExecutionResult
}

// ExecutionResult is the terminal outcome of one scan execution.
type ExecutionResult struct {
	Status  models.ScanJobStatus
	Summary string
	Error   error
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentScanID  string       `json:"current_scan_id,omitempty"`
	ScansProcessed int          `json:"scans_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth is the pool-level health snapshot served by the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveScans      int            `json:"active_scans"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}
