// Package storage implements the persistence adapter: accounts, assets,
// findings, scan logs and the scan job queue, backed by PostgreSQL with an
// in-memory implementation for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAtCapacity is returned by ClaimNextScan when the global in-progress
// limit is reached, so callers can tell "queue empty" from "queue full".
var ErrAtCapacity = errors.New("storage: at maximum concurrent scans")

// FindingFilter narrows ListFindings. Zero values mean no filtering.
type FindingFilter struct {
	Status   models.FindingStatus
	Severity models.Severity
}

// Store is the persistence adapter the engine consumes.
type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccount(ctx context.Context, id string, update models.AccountUpdate) (*models.Account, error)
	// DeleteAccount cascades to assets, findings, scan logs and scan jobs.
	DeleteAccount(ctx context.Context, id string) error

	// Scan results.
	// SaveAssets replaces the account's prior asset set wholesale.
	SaveAssets(ctx context.Context, accountID string, assets []models.Asset) error
	// SaveFindings deduplicates on (rule_code, location); existing records
	// keep their status. Returns the number of newly inserted findings.
	SaveFindings(ctx context.Context, accountID string, findings []models.Finding) (int, error)
	// ListFindings orders by severity (critical first) then discovery
	// timestamp descending.
	ListFindings(ctx context.Context, accountID string, filter FindingFilter) ([]models.Finding, error)

	// Scan logs.
	CreateScanLog(ctx context.Context, id, accountID string) error
	CompleteScanLog(ctx context.Context, id string, status models.ScanStatus, summary string, log models.ScanLog) error

	// FinalizeScan commits the scan results atomically: asset replace,
	// finding insert and scan-log completion in one transaction.
	FinalizeScan(ctx context.Context, scanID, accountID string, assets []models.Asset, findings []models.Finding, status models.ScanStatus, summary string, log models.ScanLog) (int, error)

	// Scan job queue.
	EnqueueScan(ctx context.Context, accountID string) (*models.ScanJob, error)
	// ClaimNextScan atomically claims the oldest pending job for podID,
	// honoring the global in-progress limit. Returns ErrNotFound when there
	// is nothing to claim and ErrAtCapacity when the limit is reached.
	ClaimNextScan(ctx context.Context, podID string, maxConcurrent int) (*models.ScanJob, error)
	GetScanJob(ctx context.Context, id string) (*models.ScanJob, error)
	HeartbeatScan(ctx context.Context, id string) error
	CompleteScan(ctx context.Context, id string, status models.ScanJobStatus, summary, errMsg string) error
	// RecoverOrphanedScans re-queues in-progress jobs whose heartbeat is
	// older than the threshold. Returns the number recovered.
	RecoverOrphanedScans(ctx context.Context, threshold time.Duration) (int, error)
	// CountActiveScans returns the number of in-progress jobs.
	CountActiveScans(ctx context.Context) (int, error)
}
