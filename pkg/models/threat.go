package models

import "time"

// ThreatType identifies a detection rule family.
type ThreatType string

// Rule-based detection families.
const (
	ThreatBruteForce       ThreatType = "brute_force"
	ThreatPortScan         ThreatType = "port_scan"
	ThreatPrivEscalation   ThreatType = "privilege_escalation"
	ThreatDataExfiltration ThreatType = "data_exfiltration"
	ThreatLateralMovement  ThreatType = "lateral_movement"
)

// Detection methods, recorded on each threat for provenance.
const (
	MethodRule              = "rule"
	MethodAI                = "ai"
	MethodValidatorDetected = "validator_detected"
)

// Threat is a suspected attack pattern detected over the parsed logs.
type Threat struct {
	ID          string     `json:"id"`
	Type        ThreatType `json:"type"`
	Description string     `json:"description"`
	SourceIP    string     `json:"source_ip,omitempty"`
	LogIndices  []int      `json:"log_indices,omitempty"`
	Method      string     `json:"method"`
	Confidence  float64    `json:"confidence,omitempty"`
}

// RiskLevel is the classified risk scale (one step wider than Severity).
type RiskLevel string

// Risk levels assigned by the classify stage.
const (
	RiskCritical      RiskLevel = "critical"
	RiskHigh          RiskLevel = "high"
	RiskMedium        RiskLevel = "medium"
	RiskLow           RiskLevel = "low"
	RiskInformational RiskLevel = "informational"
)

// ClassifiedThreat is a threat enriched by the classify stage.
// The final list is ordered by RemediationPriority ascending (1 = first).
type ClassifiedThreat struct {
	Threat
	Risk                RiskLevel `json:"risk"`
	RiskScore           float64   `json:"risk_score"` // 0..10
	Tactic              string    `json:"tactic,omitempty"`
	Technique           string    `json:"technique,omitempty"`
	BusinessImpact      string    `json:"business_impact,omitempty"`
	AffectedSystems     []string  `json:"affected_systems,omitempty"`
	RemediationPriority int       `json:"remediation_priority"`
}

// ActionStep is one entry in the incident report's ordered action plan.
type ActionStep struct {
	Step    int    `json:"step"`
	Action  string `json:"action"`
	Urgency string `json:"urgency"` // immediate, 1hr, 24hr, 1week
	Owner   string `json:"owner"`
}

// IncidentReport is the final structured report from the threat pipeline.
type IncidentReport struct {
	ExecutiveSummary string            `json:"executive_summary"`
	ActiveIncidents  string            `json:"active_incidents,omitempty"`
	SeverityCounts   map[string]int    `json:"severity_counts"`
	Timeline         string            `json:"timeline,omitempty"`
	ActionPlan       []ActionStep      `json:"action_plan"`
	Recommendations  []string          `json:"recommendations,omitempty"`
	IOCs             []string          `json:"iocs,omitempty"`
	Techniques       []string          `json:"techniques,omitempty"`
	GeneratedAt      time.Time         `json:"generated_at"`
	Stats            map[string]int    `json:"stats,omitempty"`
}

// AgentMetrics accumulates LLM usage for one pipeline stage.
type AgentMetrics struct {
	Model        string        `json:"model,omitempty"`
	Duration     time.Duration `json:"duration"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Calls        int           `json:"calls"`
	Fallback     bool          `json:"fallback,omitempty"`
}

// CorrelationEvidence captures why a finding was upgraded to an active exploit.
type CorrelationEvidence struct {
	RuleCode        string   `json:"rule_code"`
	Asset           string   `json:"asset"`
	Verdict         string   `json:"verdict"`
	Tactic          string   `json:"tactic"`
	Technique       string   `json:"technique"`
	EvidenceLogs    []string `json:"evidence_logs"`
	MatchedPatterns []string `json:"matched_patterns"`
}
