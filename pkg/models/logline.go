package models

// LogEventType classifies a parsed log line.
type LogEventType string

// Log event classifications, roughly ordered by how interesting they are
// to the detection rules.
const (
	LogEventFailedAuth      LogEventType = "failed_auth"
	LogEventReconProbe      LogEventType = "recon_probe"
	LogEventServerError     LogEventType = "server_error"
	LogEventHTTPClientError LogEventType = "http_client_error"
	LogEventHTTPRequest     LogEventType = "http_request"
	LogEventError           LogEventType = "error"
	LogEventWarning         LogEventType = "warning"
	LogEventInfo            LogEventType = "info"
	LogEventUnknown         LogEventType = "unknown"
)

// LogLine is one parsed log record. Index is unique and globally ordered
// across the whole scan — burst-mode ingest chunks offset their indices by
// chunkIndex × chunkSize to preserve that guarantee.
type LogLine struct {
	Index      int          `json:"index"`
	Timestamp  string       `json:"timestamp,omitempty"`
	Source     string       `json:"source,omitempty"`
	EventType  LogEventType `json:"event_type"`
	SourceIP   string       `json:"source_ip,omitempty"`
	DestPort   int          `json:"dest_port,omitempty"`
	BytesOut   int64        `json:"bytes_out,omitempty"`
	Details    string       `json:"details,omitempty"`
	IsValid    bool         `json:"is_valid"`
	ParseError string       `json:"parse_error,omitempty"`
	Raw        string       `json:"raw,omitempty"`
}
