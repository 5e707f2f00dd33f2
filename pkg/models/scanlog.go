package models

import "time"

// ServiceStatus is the per-service outcome recorded during discovery.
type ServiceStatus string

// Per-service discovery outcomes.
const (
	ServiceSuccess ServiceStatus = "success"
	ServicePartial ServiceStatus = "partial"
	ServiceSkipped ServiceStatus = "skipped"
	ServiceError   ServiceStatus = "error"
)

// ServiceScan records one service's discovery attempt.
type ServiceScan struct {
	Service    string        `json:"service"`
	Status     ServiceStatus `json:"status"`
	Duration   time.Duration `json:"duration"`
	AssetCount int           `json:"asset_count"`
	IssueCount int           `json:"issue_count"`
	Error      string        `json:"error,omitempty"`
}

// ScanLog is the structured, persisted record of one scan invocation.
type ScanLog struct {
	Entries  []ServiceScan `json:"entries"`
	Identity string        `json:"identity,omitempty"` // credential principal, for diagnostics
	Warnings []string      `json:"warnings,omitempty"`
}

// Append adds a per-service entry.
func (l *ScanLog) Append(entry ServiceScan) {
	l.Entries = append(l.Entries, entry)
}

// Warn records a free-form diagnostic warning (e.g. project mismatch).
func (l *ScanLog) Warn(msg string) {
	l.Warnings = append(l.Warnings, msg)
}

// ScanStatus is the terminal state of a persisted scan log record.
type ScanStatus string

// Scan log terminal states.
const (
	ScanRunning ScanStatus = "running"
	ScanSuccess ScanStatus = "success"
	ScanPartial ScanStatus = "partial"
	ScanError   ScanStatus = "error"
)

// ScannedAssetRecord is the per-asset work receipt emitted by a worker.
type ScannedAssetRecord struct {
	AssetName   string        `json:"asset_name"`
	AssetType   AssetType     `json:"asset_type"`
	ScanKind    string        `json:"scan_kind"` // "active" or "log_analysis"
	IssuesFound int           `json:"issues_found"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}
