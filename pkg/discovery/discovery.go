// Package discovery probes the credential, enumerates provider assets and
// pulls recent cloud logs. Per-service failures degrade to skipped or errored
// scan-log entries; discovery itself never fails a scan.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
)

// Threshold findings emitted from the aggregate log pull.
const (
	errorVolumeThreshold = 10
	failedAuthThreshold  = 5
	reconProbeThreshold  = 3
)

// LogSummaryAssetName is the synthetic asset representing the project-wide
// log pull. It routes private and anchors log-derived findings.
const LogSummaryAssetName = "Cloud Logging"

// Output is everything discovery hands to the router and later stages.
type Output struct {
	Assets      []models.Asset
	Findings    []models.Finding
	RawLogLines []string
	Log         models.ScanLog
}

// Service runs discovery for one scan.
type Service struct {
	provider provider.Provider
	cfg      *config.ScanConfig
	logger   *slog.Logger
}

// New builds a discovery service around a provider adapter.
func New(p provider.Provider, cfg *config.ScanConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: p, cfg: cfg, logger: logger}
}

// Run executes the full discovery pass: credential probe, per-service asset
// enumeration, then the aggregate log fetch. It always returns a usable
// Output; failures show up as scan-log entries and warnings.
func (s *Service) Run(ctx context.Context, projectID string, requested []string) *Output {
	out := &Output{}

	if len(requested) == 0 {
		requested = provider.AllServices()
	}

	access := s.probe(ctx, projectID, requested, out)

	for _, svc := range requested {
		if svc == provider.ServiceLogging {
			continue // handled below, always attempted
		}
		s.enumerateService(ctx, svc, access, out)
	}

	// The aggregate log pull runs regardless of the requested set: log
	// correlation is the cheapest signal the scanner has.
	s.fetchLogs(ctx, out)

	s.logger.Info("discovery complete",
		"project_id", projectID,
		"assets", len(out.Assets),
		"initial_findings", len(out.Findings),
		"log_lines", len(out.RawLogLines),
		"warnings", len(out.Log.Warnings))

	return out
}

// probe runs the credential probe and returns the per-service access map.
// A failed probe degrades to optimistic access; enumeration catches the
// real permission errors per service.
func (s *Service) probe(ctx context.Context, projectID string, requested []string, out *Output) map[string]provider.ServiceAccess {
	result, err := s.provider.Probe(ctx, requested)
	if err != nil {
		s.logger.Warn("credential probe failed, proceeding optimistically", "error", err)
		out.Log.Warn(fmt.Sprintf("credential probe failed: %v", err))
		return nil
	}

	out.Log.Identity = result.Identity
	if result.ProjectID != "" && result.ProjectID != projectID {
		out.Log.Warn(fmt.Sprintf(
			"credential project %q does not match scan target %q", result.ProjectID, projectID))
	}

	return result.Services
}

func (s *Service) enumerateService(ctx context.Context, svc string, access map[string]provider.ServiceAccess, out *Output) {
	if access != nil {
		a, known := access[svc]
		if known && !a.Accessible {
			out.Log.Append(models.ServiceScan{
				Service: svc,
				Status:  models.ServiceSkipped,
				Error:   a.Detail,
			})
			return
		}
	}

	started := time.Now()
	assets, err := s.provider.ListAssets(ctx, svc)
	if err != nil {
		s.logger.Warn("service enumeration failed", "service", svc, "error", err)
		out.Log.Append(models.ServiceScan{
			Service:  svc,
			Status:   models.ServiceError,
			Duration: time.Since(started),
			Error:    err.Error(),
		})
		return
	}

	out.Assets = append(out.Assets, assets...)
	out.Log.Append(models.ServiceScan{
		Service:    svc,
		Status:     models.ServiceSuccess,
		Duration:   time.Since(started),
		AssetCount: len(assets),
	})
}

func (s *Service) fetchLogs(ctx context.Context, out *Output) {
	started := time.Now()
	lines, err := s.provider.FetchLogs(ctx, provider.LogOptions{
		MaxEntries: s.cfg.MaxLogEntries,
		Window:     time.Duration(s.cfg.LogWindowHours) * time.Hour,
	})
	if err != nil {
		s.logger.Warn("log fetch failed", "error", err)
		out.Log.Append(models.ServiceScan{
			Service:  provider.ServiceLogging,
			Status:   models.ServiceError,
			Duration: time.Since(started),
			Error:    err.Error(),
		})
		return
	}

	out.RawLogLines = lines
	if len(lines) > 0 {
		out.Assets = append(out.Assets, models.Asset{
			Type: models.AssetLogSummary,
			Name: LogSummaryAssetName,
		})
	}

	findings := thresholdFindings(lines)
	out.Findings = append(out.Findings, findings...)

	out.Log.Append(models.ServiceScan{
		Service:    provider.ServiceLogging,
		Status:     models.ServiceSuccess,
		Duration:   time.Since(started),
		AssetCount: len(lines),
		IssueCount: len(findings),
	})
}

// thresholdFindings aggregates keyword counts over the raw lines and emits
// findings when the counts cross the alert thresholds.
func thresholdFindings(lines []string) []models.Finding {
	var errors, failedAuths, reconProbes int
	for _, line := range lines {
		lowered := strings.ToLower(line)
		switch {
		case isFailedAuth(lowered):
			failedAuths++
		case isReconProbe(lowered):
			reconProbes++
		case isErrorLine(lowered):
			errors++
		}
	}

	now := time.Now().UTC()
	var findings []models.Finding
	if errors > errorVolumeThreshold {
		findings = append(findings, models.Finding{
			RuleCode: "log_001",
			Title:    "Elevated error volume in cloud logs",
			Description: fmt.Sprintf(
				"%d error-level log events in the scan window (threshold %d).",
				errors, errorVolumeThreshold),
			Severity:     models.SeverityHigh,
			Location:     LogSummaryAssetName,
			Status:       models.StatusTodo,
			DiscoveredAt: now,
		})
	}
	if failedAuths > failedAuthThreshold {
		findings = append(findings, models.Finding{
			RuleCode: "log_002",
			Title:    "Repeated authentication failures",
			Description: fmt.Sprintf(
				"%d failed authentication events in the scan window (threshold %d).",
				failedAuths, failedAuthThreshold),
			Severity:     models.SeverityHigh,
			Location:     LogSummaryAssetName,
			Status:       models.StatusTodo,
			DiscoveredAt: now,
		})
	}
	if reconProbes > reconProbeThreshold {
		findings = append(findings, models.Finding{
			RuleCode: "log_003",
			Title:    "Reconnaissance probe activity",
			Description: fmt.Sprintf(
				"%d probe-like log events in the scan window (threshold %d).",
				reconProbes, reconProbeThreshold),
			Severity:     models.SeverityMedium,
			Location:     LogSummaryAssetName,
			Status:       models.StatusTodo,
			DiscoveredAt: now,
		})
	}
	return findings
}

func isFailedAuth(lowered string) bool {
	return strings.Contains(lowered, "invalid user") ||
		strings.Contains(lowered, "failed password") ||
		strings.Contains(lowered, "authentication failure") ||
		strings.Contains(lowered, "permission denied (publickey")
}

func isReconProbe(lowered string) bool {
	return strings.Contains(lowered, "connection closed by") ||
		strings.Contains(lowered, "did not receive identification string") ||
		strings.Contains(lowered, "port scan") ||
		strings.Contains(lowered, "refused connect")
}

func isErrorLine(lowered string) bool {
	return strings.Contains(lowered, " error ") ||
		strings.Contains(lowered, "severity=error") ||
		strings.Contains(lowered, " error:") ||
		strings.HasPrefix(lowered, "error")
}
