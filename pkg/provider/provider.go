// Package provider abstracts the cloud provider behind a small adapter
// interface. The engine treats provider calls as opaque operations that may
// succeed, fail, or return partial data; per-service failures degrade to a
// skipped service, never a failed scan.
package provider

import (
	"context"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// Service identifiers understood by adapters.
const (
	ServiceCompute  = "compute"
	ServiceFirewall = "firewall"
	ServiceStorage  = "storage"
	ServiceSQL      = "sql"
	ServiceLogging  = "cloud_logging"
)

// AllServices lists every service an adapter may implement, in scan order.
func AllServices() []string {
	return []string{ServiceCompute, ServiceFirewall, ServiceStorage, ServiceSQL, ServiceLogging}
}

// ServiceAccess is the outcome of one credential probe call.
type ServiceAccess struct {
	Accessible bool   `json:"accessible"`
	Detail     string `json:"detail,omitempty"`
}

// ProbeResult reports what the supplied credential can reach.
type ProbeResult struct {
	// Identity is the credential's principal (service-account email).
	Identity string

	// ProjectID is the project declared inside the credential, which may
	// differ from the scan target.
	ProjectID string

	Services map[string]ServiceAccess
}

// LogOptions bounds a log fetch.
type LogOptions struct {
	// Filter is a provider-grammar filter appended to the severity floor.
	Filter string

	// MaxEntries caps the result.
	MaxEntries int

	// Window is the look-back period.
	Window time.Duration
}

// Provider is the adapter the discovery service and log analyzer consume.
// Implementations must be safe for concurrent use: per-asset workers share
// one adapter per scan.
type Provider interface {
	// Probe issues a minimum-cost "list 1 item" call per requested service
	// to detect whether the credential has the required permission.
	Probe(ctx context.Context, services []string) (*ProbeResult, error)

	// ListAssets enumerates one service's resources as typed assets.
	ListAssets(ctx context.Context, service string) ([]models.Asset, error)

	// FetchLogs returns raw log lines at or above WARNING severity.
	FetchLogs(ctx context.Context, opts LogOptions) ([]string, error)

	// BucketHasPublicBinding reports whether the bucket's IAM policy grants
	// access to allUsers or allAuthenticatedUsers.
	BucketHasPublicBinding(ctx context.Context, bucket string) (bool, error)
}
