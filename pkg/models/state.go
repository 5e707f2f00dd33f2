package models

// ScanType distinguishes full scans (at least one public asset actively
// scanned) from logging-only scans.
type ScanType string

// Scan types set by the aggregate node.
const (
	ScanTypeFull             ScanType = "full"
	ScanTypeCloudLoggingOnly ScanType = "cloud_logging_only"
)

// Scan progress status tokens, emitted on the event stream as they change.
const (
	StatusStarting          = "starting"
	StatusDiscoveryComplete = "discovery_complete"
	StatusRouting           = "routing"
	StatusScanning          = "scanning"
	StatusAggregating       = "aggregating"
	StatusThreatAnalysis    = "threat_analysis"
	StatusComplete          = "complete"
	StatusPartialResult     = "partial"
	StatusError             = "error"
)

// ScanState is the canonical state threaded through the scan graph.
//
// Ownership: the graph runtime owns this exclusively. Workers receive
// immutable projections and write back through merge closures applied
// serially by the runtime; ScanIssues, WorkerLogLines and ScannedAssets are
// append-reducer fields — parallel workers concatenate into them in
// completion order, so downstream consumers must not rely on dispatch order.
// All other fields are write-once by their producing stage (Status excepted).
type ScanState struct {
	// Input.
	ScanID            string   `json:"scan_id"`
	AccountID         string   `json:"account_id"`
	ProjectID         string   `json:"project_id"`
	Credential        []byte   `json:"-"`
	RequestedServices []string `json:"requested_services,omitempty"`

	// Discovery output.
	Assets          []Asset   `json:"assets,omitempty"`
	InitialFindings []Finding `json:"initial_findings,omitempty"`
	RawLogLines     []string  `json:"raw_log_lines,omitempty"`
	ScanLog         ScanLog   `json:"scan_log"`

	// Router output.
	PublicAssets  []Asset `json:"public_assets,omitempty"`
	PrivateAssets []Asset `json:"private_assets,omitempty"`

	// Worker output (append reducer).
	ScanIssues     []Finding            `json:"scan_issues,omitempty"`
	WorkerLogLines []string             `json:"worker_log_lines,omitempty"`
	ScannedAssets  []ScannedAssetRecord `json:"scanned_assets,omitempty"`

	// Correlation output.
	CorrelatedFindings []Finding             `json:"correlated_findings,omitempty"`
	ActiveExploitCount int                   `json:"active_exploit_count"`
	Evidence           []CorrelationEvidence `json:"evidence,omitempty"`

	// Threat pipeline output.
	ParsedLogs        []LogLine               `json:"parsed_logs,omitempty"`
	DetectedThreats   []Threat                `json:"detected_threats,omitempty"`
	ClassifiedThreats []ClassifiedThreat      `json:"classified_threats,omitempty"`
	Report            *IncidentReport         `json:"report,omitempty"`
	AgentMetrics      map[string]AgentMetrics `json:"agent_metrics,omitempty"`

	// Progress.
	Status               string   `json:"status"`
	ScanType             ScanType `json:"scan_type,omitempty"`
	PublicScansPerformed int      `json:"public_scans_performed"`

	// Errors accumulated by nodes. Terminal nodes inspect these; a non-empty
	// list never aborts the graph by itself.
	Errors []string `json:"errors,omitempty"`
}

// AllLogLines returns discovery log lines followed by worker-collected lines.
// Used by correlation and the threat pipeline bridge.
func (s *ScanState) AllLogLines() []string {
	if len(s.WorkerLogLines) == 0 {
		return s.RawLogLines
	}
	out := make([]string, 0, len(s.RawLogLines)+len(s.WorkerLogLines))
	out = append(out, s.RawLogLines...)
	out = append(out, s.WorkerLogLines...)
	return out
}

// RecordError appends a node error to the state's error channel.
func (s *ScanState) RecordError(msg string) {
	s.Errors = append(s.Errors, msg)
}
