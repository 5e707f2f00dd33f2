package scan

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
)

// defaultSAMarker identifies the default compute service account.
const defaultSAMarker = "compute@developer.gserviceaccount.com"

// ActiveResult is one public-asset scan outcome.
type ActiveResult struct {
	Findings []models.Finding
	Record   models.ScannedAssetRecord
}

// ActiveScan applies the fixed rule table to one public asset. Failures
// yield an empty finding list and an errored record; they never propagate.
func ActiveScan(ctx context.Context, p provider.Provider, asset models.Asset) ActiveResult {
	started := time.Now()
	findings, err := activeFindings(ctx, p, asset)

	record := models.ScannedAssetRecord{
		AssetName:   asset.Name,
		AssetType:   asset.Type,
		ScanKind:    "active",
		IssuesFound: len(findings),
		Duration:    time.Since(started),
	}
	if err != nil {
		record.Error = err.Error()
		findings = nil
		record.IssuesFound = 0
	}
	return ActiveResult{Findings: findings, Record: record}
}

func activeFindings(ctx context.Context, p provider.Provider, asset models.Asset) ([]models.Finding, error) {
	switch asset.Type {
	case models.AssetFirewallRule:
		return checkFirewall(asset), nil
	case models.AssetObjectBucket:
		return checkBucket(ctx, p, asset)
	case models.AssetComputeInstance:
		return checkInstance(asset), nil
	default:
		return nil, nil
	}
}

// checkFirewall emits gcp_002 for ingress rules open to the world that allow
// TCP on a port range covering SSH.
func checkFirewall(asset models.Asset) []models.Finding {
	meta := asset.Metadata.Firewall
	if meta == nil || !strings.EqualFold(meta.Direction, "INGRESS") {
		return nil
	}
	if !firewallOpenToWorld(meta) {
		return nil
	}

	for _, allow := range meta.Allowed {
		proto := strings.ToLower(allow.IPProtocol)
		if proto != "tcp" && proto != "all" {
			continue
		}
		if !portRangeCovers(allow.Ports, 22) {
			continue
		}
		return []models.Finding{{
			RuleCode: "gcp_002",
			Title:    "SSH open to the internet",
			Description: fmt.Sprintf(
				"Firewall rule %q allows TCP port 22 from 0.0.0.0/0.", asset.Name),
			Severity:     models.SeverityHigh,
			Location:     "Firewall: " + asset.Name,
			Status:       models.StatusTodo,
			DiscoveredAt: time.Now().UTC(),
		}}
	}
	return nil
}

// portRangeCovers reports whether any port spec ("22" or "lo-hi") covers the
// target port. An empty spec list means all ports.
func portRangeCovers(ports []string, target int) bool {
	if len(ports) == 0 {
		return true
	}
	for _, spec := range ports {
		if lo, hi, ok := parsePortRange(spec); ok && lo <= target && target <= hi {
			return true
		}
	}
	return false
}

func parsePortRange(spec string) (lo, hi int, ok bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0, false
	}
	if before, after, found := strings.Cut(spec, "-"); found {
		lo, err1 := strconv.Atoi(strings.TrimSpace(before))
		hi, err2 := strconv.Atoi(strings.TrimSpace(after))
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return lo, hi, true
	}
	n, err := strconv.Atoi(spec)
	if err != nil {
		return 0, 0, false
	}
	return n, n, true
}

// checkBucket emits gcp_004 when the bucket IAM policy grants access to
// allUsers or allAuthenticatedUsers. One issue per bucket.
func checkBucket(ctx context.Context, p provider.Provider, asset models.Asset) ([]models.Finding, error) {
	public, err := p.BucketHasPublicBinding(ctx, asset.Name)
	if err != nil {
		return nil, fmt.Errorf("fetching IAM policy for bucket %s: %w", asset.Name, err)
	}
	if !public {
		return nil, nil
	}
	return []models.Finding{{
		RuleCode: "gcp_004",
		Title:    "Bucket publicly accessible",
		Description: fmt.Sprintf(
			"Bucket %q grants access to allUsers or allAuthenticatedUsers.", asset.Name),
		Severity:     models.SeverityCritical,
		Location:     "Bucket: " + asset.Name,
		Status:       models.StatusTodo,
		DiscoveredAt: time.Now().UTC(),
	}}, nil
}

// checkInstance emits gcp_006 when the instance runs as the default compute
// service account.
func checkInstance(asset models.Asset) []models.Finding {
	meta := asset.Metadata.Instance
	if meta == nil {
		return nil
	}
	for _, sa := range meta.ServiceAccounts {
		if !strings.Contains(sa.Email, defaultSAMarker) {
			continue
		}
		return []models.Finding{{
			RuleCode: "gcp_006",
			Title:    "Instance uses default compute service account",
			Description: fmt.Sprintf(
				"Instance %q runs as %s, which typically carries broad project access.",
				asset.Name, sa.Email),
			Severity:     models.SeverityMedium,
			Location:     "Instance: " + asset.Name,
			Status:       models.StatusTodo,
			DiscoveredAt: time.Now().UTC(),
		}}
	}
	return nil
}
