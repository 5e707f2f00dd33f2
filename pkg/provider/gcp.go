package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// readOnlyScope is the least-privilege scope the scanner requests.
const readOnlyScope = "https://www.googleapis.com/auth/cloud-platform.read-only"

// API endpoints, overridable in tests.
var (
	computeEndpoint = "https://compute.googleapis.com/compute/v1"
	storageEndpoint = "https://storage.googleapis.com/storage/v1"
	sqlEndpoint     = "https://sqladmin.googleapis.com/v1"
	loggingEndpoint = "https://logging.googleapis.com/v2"
)

// GCP implements Provider against the Google Cloud REST APIs using a
// service-account credential. One GCP value serves one scan; the underlying
// http.Client is safe for concurrent use by per-asset workers.
type GCP struct {
	projectID  string
	identity   string
	credDecl   string // project_id declared inside the credential JSON
	httpClient *http.Client
	logger     *slog.Logger
}

// credentialFile is the subset of the service-account JSON we read directly.
type credentialFile struct {
	ClientEmail string `json:"client_email"`
	ProjectID   string `json:"project_id"`
}

// NewGCP builds an adapter for the target project from a service-account
// JSON credential.
func NewGCP(ctx context.Context, projectID string, credentialJSON []byte, logger *slog.Logger) (*GCP, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cred credentialFile
	if err := json.Unmarshal(credentialJSON, &cred); err != nil {
		return nil, fmt.Errorf("parsing credential JSON: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, credentialJSON, readOnlyScope)
	if err != nil {
		return nil, fmt.Errorf("building credential token source: %w", err)
	}

	return &GCP{
		projectID:  projectID,
		identity:   cred.ClientEmail,
		credDecl:   cred.ProjectID,
		httpClient: oauth2.NewClient(ctx, creds.TokenSource),
		logger:     logger,
	}, nil
}

// CredentialProjectID returns the project declared inside the credential.
func (g *GCP) CredentialProjectID() string { return g.credDecl }

// Probe implements Provider. Each service gets a maxResults=1 list call;
// the per-service outcome never fails the probe as a whole.
func (g *GCP) Probe(ctx context.Context, services []string) (*ProbeResult, error) {
	result := &ProbeResult{
		Identity:  g.identity,
		ProjectID: g.credDecl,
		Services:  make(map[string]ServiceAccess, len(services)),
	}

	for _, svc := range services {
		if svc == ServiceLogging {
			// entries:list is POST-only with no cheap probe shape; access is
			// verified by the first real fetch.
			result.Services[svc] = ServiceAccess{Accessible: true, Detail: "deferred to first fetch"}
			continue
		}
		probeURL, ok := g.probeURL(svc)
		if !ok {
			result.Services[svc] = ServiceAccess{Accessible: false, Detail: "unknown service"}
			continue
		}
		if err := g.getJSON(ctx, probeURL, &struct{}{}); err != nil {
			result.Services[svc] = ServiceAccess{Accessible: false, Detail: err.Error()}
			continue
		}
		result.Services[svc] = ServiceAccess{Accessible: true, Detail: "ok"}
	}

	return result, nil
}

func (g *GCP) probeURL(service string) (string, bool) {
	switch service {
	case ServiceCompute:
		return fmt.Sprintf("%s/projects/%s/aggregated/instances?maxResults=1", computeEndpoint, g.projectID), true
	case ServiceFirewall:
		return fmt.Sprintf("%s/projects/%s/global/firewalls?maxResults=1", computeEndpoint, g.projectID), true
	case ServiceStorage:
		return fmt.Sprintf("%s/b?project=%s&maxResults=1", storageEndpoint, g.projectID), true
	case ServiceSQL:
		return fmt.Sprintf("%s/projects/%s/instances?maxResults=1", sqlEndpoint, g.projectID), true
	default:
		return "", false
	}
}

// ListAssets implements Provider.
func (g *GCP) ListAssets(ctx context.Context, service string) ([]models.Asset, error) {
	switch service {
	case ServiceCompute:
		return g.listInstances(ctx)
	case ServiceFirewall:
		return g.listFirewalls(ctx)
	case ServiceStorage:
		return g.listBuckets(ctx)
	case ServiceSQL:
		return g.listSQLInstances(ctx)
	default:
		return nil, fmt.Errorf("service %q does not enumerate assets", service)
	}
}

// --- Compute ---

type gcpAccessConfig struct {
	Type  string `json:"type"`
	NatIP string `json:"natIP"`
}

type gcpNetworkInterface struct {
	Network       string            `json:"network"`
	AccessConfigs []gcpAccessConfig `json:"accessConfigs"`
}

type gcpServiceAccount struct {
	Email  string   `json:"email"`
	Scopes []string `json:"scopes"`
}

type gcpInstance struct {
	Name              string                `json:"name"`
	Zone              string                `json:"zone"`
	MachineType       string                `json:"machineType"`
	NetworkInterfaces []gcpNetworkInterface `json:"networkInterfaces"`
	ServiceAccounts   []gcpServiceAccount   `json:"serviceAccounts"`
}

func (g *GCP) listInstances(ctx context.Context) ([]models.Asset, error) {
	var resp struct {
		Items map[string]struct {
			Instances []gcpInstance `json:"instances"`
		} `json:"items"`
	}
	u := fmt.Sprintf("%s/projects/%s/aggregated/instances", computeEndpoint, g.projectID)
	if err := g.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	var assets []models.Asset
	for _, scope := range resp.Items {
		for _, inst := range scope.Instances {
			meta := &models.InstanceMetadata{MachineType: lastPathSegment(inst.MachineType)}
			for _, nic := range inst.NetworkInterfaces {
				ifc := models.NetworkInterface{Network: lastPathSegment(nic.Network)}
				for _, ac := range nic.AccessConfigs {
					ifc.AccessConfigs = append(ifc.AccessConfigs, models.AccessConfig{Type: ac.Type, NatIP: ac.NatIP})
				}
				meta.NetworkInterfaces = append(meta.NetworkInterfaces, ifc)
			}
			for _, sa := range inst.ServiceAccounts {
				meta.ServiceAccounts = append(meta.ServiceAccounts, models.ServiceAccountRef{Email: sa.Email, Scopes: sa.Scopes})
			}
			assets = append(assets, models.Asset{
				Type:     models.AssetComputeInstance,
				Name:     inst.Name,
				Region:   lastPathSegment(inst.Zone),
				Metadata: models.AssetMetadata{Instance: meta},
			})
		}
	}
	return assets, nil
}

// --- Firewalls ---

type gcpFirewall struct {
	Name         string   `json:"name"`
	Direction    string   `json:"direction"`
	SourceRanges []string `json:"sourceRanges"`
	Allowed      []struct {
		IPProtocol string   `json:"IPProtocol"`
		Ports      []string `json:"ports"`
	} `json:"allowed"`
}

func (g *GCP) listFirewalls(ctx context.Context) ([]models.Asset, error) {
	var resp struct {
		Items []gcpFirewall `json:"items"`
	}
	u := fmt.Sprintf("%s/projects/%s/global/firewalls", computeEndpoint, g.projectID)
	if err := g.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	assets := make([]models.Asset, 0, len(resp.Items))
	for _, fw := range resp.Items {
		meta := &models.FirewallMetadata{
			Direction:    fw.Direction,
			SourceRanges: fw.SourceRanges,
		}
		for _, allow := range fw.Allowed {
			meta.Allowed = append(meta.Allowed, models.FirewallAllowRule{
				IPProtocol: allow.IPProtocol,
				Ports:      allow.Ports,
			})
		}
		assets = append(assets, models.Asset{
			Type:     models.AssetFirewallRule,
			Name:     fw.Name,
			Metadata: models.AssetMetadata{Firewall: meta},
		})
	}
	return assets, nil
}

// --- Storage ---

func (g *GCP) listBuckets(ctx context.Context) ([]models.Asset, error) {
	var resp struct {
		Items []struct {
			Name         string `json:"name"`
			Location     string `json:"location"`
			StorageClass string `json:"storageClass"`
			IAMConfig    struct {
				PublicAccessPrevention string `json:"publicAccessPrevention"`
			} `json:"iamConfiguration"`
		} `json:"items"`
	}
	u := fmt.Sprintf("%s/b?project=%s", storageEndpoint, url.QueryEscape(g.projectID))
	if err := g.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	assets := make([]models.Asset, 0, len(resp.Items))
	for _, b := range resp.Items {
		assets = append(assets, models.Asset{
			Type:   models.AssetObjectBucket,
			Name:   b.Name,
			Region: strings.ToLower(b.Location),
			Metadata: models.AssetMetadata{Bucket: &models.BucketMetadata{
				Location:               b.Location,
				StorageClass:           b.StorageClass,
				PublicAccessPrevention: b.IAMConfig.PublicAccessPrevention,
			}},
		})
	}
	return assets, nil
}

// BucketHasPublicBinding implements Provider.
func (g *GCP) BucketHasPublicBinding(ctx context.Context, bucket string) (bool, error) {
	var policy struct {
		Bindings []struct {
			Role    string   `json:"role"`
			Members []string `json:"members"`
		} `json:"bindings"`
	}
	u := fmt.Sprintf("%s/b/%s/iam", storageEndpoint, url.PathEscape(bucket))
	if err := g.getJSON(ctx, u, &policy); err != nil {
		return false, err
	}
	for _, binding := range policy.Bindings {
		for _, member := range binding.Members {
			if member == "allUsers" || member == "allAuthenticatedUsers" {
				return true, nil
			}
		}
	}
	return false, nil
}

// --- SQL ---

func (g *GCP) listSQLInstances(ctx context.Context) ([]models.Asset, error) {
	var resp struct {
		Items []struct {
			Name            string `json:"name"`
			Region          string `json:"region"`
			DatabaseVersion string `json:"databaseVersion"`
			IPAddresses     []struct {
				Type      string `json:"type"`
				IPAddress string `json:"ipAddress"`
			} `json:"ipAddresses"`
		} `json:"items"`
	}
	u := fmt.Sprintf("%s/projects/%s/instances", sqlEndpoint, g.projectID)
	if err := g.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	assets := make([]models.Asset, 0, len(resp.Items))
	for _, inst := range resp.Items {
		meta := &models.SQLMetadata{DatabaseVersion: inst.DatabaseVersion}
		for _, addr := range inst.IPAddresses {
			meta.IPAddresses = append(meta.IPAddresses, models.SQLIPAddress{Type: addr.Type, Address: addr.IPAddress})
		}
		assets = append(assets, models.Asset{
			Type:     models.AssetSQLInstance,
			Name:     inst.Name,
			Region:   inst.Region,
			Metadata: models.AssetMetadata{SQL: meta},
		})
	}
	return assets, nil
}

// --- Logging ---

// FetchLogs implements Provider. The severity floor is WARNING; opts.Filter
// narrows further in the provider's filter grammar.
func (g *GCP) FetchLogs(ctx context.Context, opts LogOptions) ([]string, error) {
	filter := fmt.Sprintf(`severity>=WARNING AND timestamp>="%s"`,
		time.Now().Add(-opts.Window).UTC().Format(time.RFC3339))
	if opts.Filter != "" {
		filter += " AND (" + opts.Filter + ")"
	}

	body := map[string]any{
		"resourceNames": []string{"projects/" + g.projectID},
		"filter":        filter,
		"orderBy":       "timestamp desc",
		"pageSize":      opts.MaxEntries,
	}

	var resp struct {
		Entries []struct {
			Timestamp   string          `json:"timestamp"`
			Severity    string          `json:"severity"`
			LogName     string          `json:"logName"`
			TextPayload string          `json:"textPayload"`
			JSONPayload json.RawMessage `json:"jsonPayload"`
		} `json:"entries"`
	}
	if err := g.postJSON(ctx, loggingEndpoint+"/entries:list", body, &resp); err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		text := e.TextPayload
		if text == "" && len(e.JSONPayload) > 0 {
			text = string(e.JSONPayload)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s: %s",
			e.Timestamp, e.Severity, lastPathSegment(e.LogName), text))
	}
	return lines, nil
}

// --- HTTP plumbing ---

func (g *GCP) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return g.do(req, out)
}

func (g *GCP) postJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *GCP) do(req *http.Request, out any) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, apiErrorMessage(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Host, err)
	}
	return nil
}

// apiErrorMessage extracts the error message from a Google API error body,
// falling back to a truncated raw body.
func apiErrorMessage(data []byte) string {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}

func lastPathSegment(s string) string {
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
