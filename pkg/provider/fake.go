package provider

import (
	"context"
	"sync"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// Fake is an in-memory Provider for tests. Configure the fields, then hand it
// to the code under test; all methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// Identity and ProjectID are returned by Probe.
	Identity  string
	ProjectID string

	// Access controls per-service probe outcomes. Services absent from the
	// map probe as accessible.
	Access map[string]ServiceAccess

	// Assets holds the enumeration result per service.
	Assets map[string][]models.Asset

	// AssetErrs fails ListAssets for specific services.
	AssetErrs map[string]error

	// Logs is returned by FetchLogs, truncated to MaxEntries.
	Logs []string

	// LogsErr fails FetchLogs.
	LogsErr error

	// PublicBuckets lists bucket names with a public IAM binding.
	PublicBuckets []string

	// IAMErr fails BucketHasPublicBinding.
	IAMErr error

	// ProbeErr fails Probe outright.
	ProbeErr error

	listCalls map[string]int
}

var _ Provider = (*Fake)(nil)

func (f *Fake) Probe(_ context.Context, services []string) (*ProbeResult, error) {
	if f.ProbeErr != nil {
		return nil, f.ProbeErr
	}
	result := &ProbeResult{
		Identity:  f.Identity,
		ProjectID: f.ProjectID,
		Services:  make(map[string]ServiceAccess, len(services)),
	}
	for _, svc := range services {
		if access, ok := f.Access[svc]; ok {
			result.Services[svc] = access
		} else {
			result.Services[svc] = ServiceAccess{Accessible: true, Detail: "ok"}
		}
	}
	return result, nil
}

func (f *Fake) ListAssets(_ context.Context, service string) ([]models.Asset, error) {
	f.mu.Lock()
	if f.listCalls == nil {
		f.listCalls = make(map[string]int)
	}
	f.listCalls[service]++
	f.mu.Unlock()

	if err := f.AssetErrs[service]; err != nil {
		return nil, err
	}
	return append([]models.Asset(nil), f.Assets[service]...), nil
}

func (f *Fake) FetchLogs(_ context.Context, opts LogOptions) ([]string, error) {
	if f.LogsErr != nil {
		return nil, f.LogsErr
	}
	logs := f.Logs
	if opts.MaxEntries > 0 && len(logs) > opts.MaxEntries {
		logs = logs[:opts.MaxEntries]
	}
	return append([]string(nil), logs...), nil
}

func (f *Fake) BucketHasPublicBinding(_ context.Context, bucket string) (bool, error) {
	if f.IAMErr != nil {
		return false, f.IAMErr
	}
	for _, name := range f.PublicBuckets {
		if name == bucket {
			return true, nil
		}
	}
	return false, nil
}

// ListCalls reports how many times ListAssets ran for a service.
func (f *Fake) ListCalls(service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[service]
}
