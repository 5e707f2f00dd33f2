package scan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
)

// Per-asset log thresholds.
const (
	assetErrorThreshold      = 5
	assetFailedAuthThreshold = 3
)

// LogAnalysisResult is one private-asset log analysis outcome.
type LogAnalysisResult struct {
	LogLines []string
	Findings []models.Finding
	Record   models.ScannedAssetRecord
}

// AnalyzeAssetLogs fetches recent warning-or-higher entries scoped to one
// private asset and applies count thresholds. Failures degrade to an errored
// record, never a graph error.
func AnalyzeAssetLogs(ctx context.Context, p provider.Provider, asset models.Asset, maxEntries int, window time.Duration) LogAnalysisResult {
	started := time.Now()

	lines, err := p.FetchLogs(ctx, provider.LogOptions{
		Filter:     resourceFilter(asset),
		MaxEntries: maxEntries,
		Window:     window,
	})

	record := models.ScannedAssetRecord{
		AssetName: asset.Name,
		AssetType: asset.Type,
		ScanKind:  "log_analysis",
		Duration:  time.Since(started),
	}
	if err != nil {
		record.Error = err.Error()
		return LogAnalysisResult{Record: record}
	}

	findings := logThresholdFindings(lines, asset)
	record.IssuesFound = len(findings)
	record.Duration = time.Since(started)

	return LogAnalysisResult{LogLines: lines, Findings: findings, Record: record}
}

// resourceFilter maps an asset to the provider's log filter grammar.
func resourceFilter(asset models.Asset) string {
	switch asset.Type {
	case models.AssetComputeInstance:
		return fmt.Sprintf(`resource.type="gce_instance" AND resource.labels.instance_id="%s"`, asset.Name)
	case models.AssetObjectBucket:
		return fmt.Sprintf(`resource.type="gcs_bucket" AND resource.labels.bucket_name="%s"`, asset.Name)
	case models.AssetSQLInstance:
		return fmt.Sprintf(`resource.type="cloudsql_database" AND resource.labels.database_id="%s"`, asset.Name)
	case models.AssetFirewallRule:
		return fmt.Sprintf(`logName:"compute.googleapis.com" AND jsonPayload.rule_details.reference:"%s"`, asset.Name)
	default:
		return ""
	}
}

func logThresholdFindings(lines []string, asset models.Asset) []models.Finding {
	var errorCount, authFailures int
	for _, line := range lines {
		lowered := strings.ToLower(line)
		switch {
		case strings.Contains(lowered, "invalid user") ||
			strings.Contains(lowered, "failed password") ||
			strings.Contains(lowered, "authentication failure"):
			authFailures++
		case strings.Contains(lowered, "error"):
			errorCount++
		}
	}

	location := locationFor(asset)
	now := time.Now().UTC()

	var findings []models.Finding
	if errorCount > assetErrorThreshold {
		findings = append(findings, models.Finding{
			RuleCode: "log_001",
			Title:    "Elevated error rate",
			Description: fmt.Sprintf(
				"%d error-level log entries for %s in the scan window.", errorCount, asset.Name),
			Severity:     models.SeverityMedium,
			Location:     location,
			Status:       models.StatusTodo,
			DiscoveredAt: now,
		})
	}
	if authFailures > assetFailedAuthThreshold {
		findings = append(findings, models.Finding{
			RuleCode: "log_002",
			Title:    "Repeated authentication failures",
			Description: fmt.Sprintf(
				"%d failed authentication attempts against %s in the scan window.", authFailures, asset.Name),
			Severity:     models.SeverityHigh,
			Location:     location,
			Status:       models.StatusTodo,
			DiscoveredAt: now,
		})
	}
	return findings
}

// locationFor formats the finding location for an asset ("<Prefix>: <name>").
// The log-summary asset keeps its bare name so correlation resolves it to
// the project-wide log scope.
func locationFor(asset models.Asset) string {
	switch asset.Type {
	case models.AssetFirewallRule:
		return "Firewall: " + asset.Name
	case models.AssetComputeInstance:
		return "Instance: " + asset.Name
	case models.AssetObjectBucket:
		return "Bucket: " + asset.Name
	case models.AssetSQLInstance:
		return "SQL: " + asset.Name
	default:
		return asset.Name
	}
}
