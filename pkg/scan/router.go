// Package scan implements the outer scan pipeline: discovery, routing,
// per-asset worker fan-out, aggregation with correlation, the threat-pipeline
// bridge, and finalization.
package scan

import "github.com/mandadapu/neuralwarden/pkg/models"

// PublicAccessPreventionEnforced is the bucket setting that blocks public
// exposure. Anything else routes the bucket public.
const PublicAccessPreventionEnforced = "enforced"

// RouteAssets partitions assets into public and private by type-specific
// exposure predicates. Pure and total: every asset lands in exactly one set,
// unknown types default to private.
func RouteAssets(assets []models.Asset) (public, private []models.Asset) {
	for _, asset := range assets {
		if isPublic(asset) {
			public = append(public, asset)
		} else {
			private = append(private, asset)
		}
	}
	return public, private
}

func isPublic(asset models.Asset) bool {
	switch asset.Type {
	case models.AssetComputeInstance:
		return instanceHasExternalAccess(asset.Metadata.Instance)
	case models.AssetObjectBucket:
		return asset.Metadata.Bucket != nil &&
			asset.Metadata.Bucket.PublicAccessPrevention != PublicAccessPreventionEnforced
	case models.AssetFirewallRule:
		return firewallOpenToWorld(asset.Metadata.Firewall)
	case models.AssetSQLInstance:
		return sqlHasPublicIP(asset.Metadata.SQL)
	default:
		return false
	}
}

func instanceHasExternalAccess(meta *models.InstanceMetadata) bool {
	if meta == nil {
		return false
	}
	for _, nic := range meta.NetworkInterfaces {
		if len(nic.AccessConfigs) > 0 {
			return true
		}
	}
	return false
}

func firewallOpenToWorld(meta *models.FirewallMetadata) bool {
	if meta == nil {
		return false
	}
	for _, r := range meta.SourceRanges {
		if r == "0.0.0.0/0" || r == "::/0" {
			return true
		}
	}
	return false
}

func sqlHasPublicIP(meta *models.SQLMetadata) bool {
	if meta == nil {
		return false
	}
	for _, addr := range meta.IPAddresses {
		if addr.Type == "PRIMARY" && addr.Address != "" {
			return true
		}
	}
	return false
}
