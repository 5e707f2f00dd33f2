package models

import "time"

// Severity is the finding severity scale.
type Severity string

// Severity values, ordered critical > high > medium > low.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityRank returns the sort rank for a severity (critical first).
// Unknown severities sort last.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// FindingStatus is the triage state of a persisted finding.
type FindingStatus string

// Finding triage states.
const (
	StatusTodo       FindingStatus = "todo"
	StatusInProgress FindingStatus = "in_progress"
	StatusIgnored    FindingStatus = "ignored"
	StatusResolved   FindingStatus = "resolved"
)

// CorrelatedTitlePrefix marks findings upgraded by the correlation engine.
const CorrelatedTitlePrefix = "[ACTIVE] "

// Finding is a security problem attached to an asset or log pattern.
// Identity within a scan scope is (RuleCode, Location); persistence
// deduplicates on that pair and preserves the existing record's status.
type Finding struct {
	RuleCode          string        `json:"rule_code"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Severity          Severity      `json:"severity"`
	Location          string        `json:"location"`
	Status            FindingStatus `json:"status"`
	RemediationScript string        `json:"remediation_script,omitempty"`
	Correlated        bool          `json:"correlated"`
	Verdict           string        `json:"verdict,omitempty"`
	Tactic            string        `json:"tactic,omitempty"`
	Technique         string        `json:"technique,omitempty"`
	DiscoveredAt      time.Time     `json:"discovered_at,omitzero"`
}
