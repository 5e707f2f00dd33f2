package models

import "time"

// AccountStatus is the lifecycle state of a monitored account.
type AccountStatus string

// Account lifecycle states.
const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

// Account is one monitored cloud project (tenant).
// Credentials is an opaque encrypted blob; the engine passes it through to
// the provider adapter and never interprets it beyond JSON parsing there.
type Account struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Purpose     string        `json:"purpose,omitempty"`
	ProjectID   string        `json:"project_id"`
	Credentials []byte        `json:"-"`
	Services    []string      `json:"services,omitempty"`
	Status      AccountStatus `json:"status"`
	LastScanAt  *time.Time    `json:"last_scan_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AccountUpdate carries the mutable subset of account fields. Nil means
// "leave unchanged".
type AccountUpdate struct {
	Name        *string
	Purpose     *string
	Credentials []byte
	Services    []string
	Status      *AccountStatus
	LastScanAt  *time.Time
}

// ScanJobStatus is the queue state of a scan request.
type ScanJobStatus string

// Scan job queue states.
const (
	JobPending    ScanJobStatus = "pending"
	JobInProgress ScanJobStatus = "in_progress"
	JobCompleted  ScanJobStatus = "completed"
	JobPartial    ScanJobStatus = "partial"
	JobFailed     ScanJobStatus = "failed"
	JobCancelled  ScanJobStatus = "cancelled"
	JobTimedOut   ScanJobStatus = "timed_out"
)

// ScanJob is one queued scan request, claimed and processed by a pool worker.
type ScanJob struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	Status            ScanJobStatus `json:"status"`
	PodID             string        `json:"pod_id,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	LastInteractionAt *time.Time    `json:"last_interaction_at,omitempty"`
}
