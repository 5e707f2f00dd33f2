// Package metrics defines Prometheus metrics for the scanner engine.
//
// Metric naming follows Prometheus conventions:
//   - neuralwarden_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScansTotal counts completed scans by terminal status.
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralwarden_scans_total",
			Help: "Total number of scans by terminal status.",
		},
		[]string{"status"},
	)

	// ScanDurationSeconds is a histogram of whole-scan duration.
	ScanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neuralwarden_scan_duration_seconds",
			Help:    "Duration of scans in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// StageDurationSeconds is a histogram of graph stage duration by stage name.
	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neuralwarden_stage_duration_seconds",
			Help:    "Duration of scan graph stages in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// FindingsTotal counts persisted findings by severity.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralwarden_findings_total",
			Help: "Total findings persisted by severity.",
		},
		[]string{"severity"},
	)

	// ActiveExploitsTotal counts findings upgraded to active exploits by the
	// correlation engine.
	ActiveExploitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neuralwarden_active_exploits_total",
			Help: "Total findings confirmed as active exploits.",
		},
	)

	// TokensUsedTotal counts LLM tokens consumed by pipeline stage, model and
	// direction (input/output).
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralwarden_tokens_used_total",
			Help: "Total LLM tokens consumed by the threat pipeline.",
		},
		[]string{"stage", "model", "direction"},
	)

	// LLMCostDollars accumulates the estimated LLM spend by stage and model.
	LLMCostDollars = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralwarden_llm_cost_dollars",
			Help: "Estimated LLM cost in USD by pipeline stage.",
		},
		[]string{"stage", "model"},
	)

	// LLMFallbacksTotal counts pipeline stages that fell back to their
	// deterministic path after an LLM failure.
	LLMFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuralwarden_llm_fallbacks_total",
			Help: "Total LLM stage failures degraded to deterministic fallbacks.",
		},
		[]string{"stage"},
	)

	// ActiveScans is the number of currently executing scans on this replica.
	ActiveScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neuralwarden_active_scans",
			Help: "Number of scans currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScanDurationSeconds,
		StageDurationSeconds,
		FindingsTotal,
		ActiveExploitsTotal,
		TokensUsedTotal,
		LLMCostDollars,
		LLMFallbacksTotal,
		ActiveScans,
	)
}

// RecordScanComplete records metrics for a finished scan.
func RecordScanComplete(status string, duration time.Duration) {
	ScansTotal.WithLabelValues(status).Inc()
	ScanDurationSeconds.Observe(duration.Seconds())
}

// RecordStage records one graph stage's duration.
func RecordStage(stage string, duration time.Duration) {
	StageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordFinding records a single persisted finding.
func RecordFinding(severity string) {
	FindingsTotal.WithLabelValues(severity).Inc()
}

// RecordLLMUsage records tokens and cost for one pipeline stage call.
func RecordLLMUsage(stage, model string, inputTokens, outputTokens int64, costUSD float64) {
	TokensUsedTotal.WithLabelValues(stage, model, "input").Add(float64(inputTokens))
	TokensUsedTotal.WithLabelValues(stage, model, "output").Add(float64(outputTokens))
	LLMCostDollars.WithLabelValues(stage, model).Add(costUSD)
}

// RecordLLMFallback records a stage degrading to its deterministic path.
func RecordLLMFallback(stage string) {
	LLMFallbacksTotal.WithLabelValues(stage).Inc()
}
