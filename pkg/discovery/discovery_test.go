package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
)

func newService(fake *provider.Fake) *Service {
	return New(fake, config.DefaultScanConfig(), slog.New(slog.DiscardHandler))
}

func TestRunEnumeratesAccessibleServices(t *testing.T) {
	fake := &provider.Fake{
		Identity:  "scanner@p.iam.gserviceaccount.com",
		ProjectID: "p",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {
				{Type: models.AssetFirewallRule, Name: "allow-ssh"},
			},
			provider.ServiceStorage: {
				{Type: models.AssetObjectBucket, Name: "data-bucket"},
			},
		},
	}

	out := newService(fake).Run(context.Background(), "p",
		[]string{provider.ServiceFirewall, provider.ServiceStorage})

	require.Len(t, out.Assets, 2)
	assert.Equal(t, "scanner@p.iam.gserviceaccount.com", out.Log.Identity)
	assert.Empty(t, out.Log.Warnings)

	byService := map[string]models.ServiceScan{}
	for _, e := range out.Log.Entries {
		byService[e.Service] = e
	}
	assert.Equal(t, models.ServiceSuccess, byService[provider.ServiceFirewall].Status)
	assert.Equal(t, 1, byService[provider.ServiceFirewall].AssetCount)
	assert.Equal(t, models.ServiceSuccess, byService[provider.ServiceLogging].Status)
}

func TestRunSkipsInaccessibleService(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "p",
		Access: map[string]provider.ServiceAccess{
			provider.ServiceSQL: {Accessible: false, Detail: "permission denied"},
		},
	}

	out := newService(fake).Run(context.Background(), "p", []string{provider.ServiceSQL})

	assert.Equal(t, 0, fake.ListCalls(provider.ServiceSQL))
	require.NotEmpty(t, out.Log.Entries)
	assert.Equal(t, models.ServiceSkipped, out.Log.Entries[0].Status)
	assert.Equal(t, "permission denied", out.Log.Entries[0].Error)
}

func TestRunDegradesOnEnumerationError(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "p",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {{Type: models.AssetFirewallRule, Name: "fw-1"}},
		},
		AssetErrs: map[string]error{
			provider.ServiceCompute: errors.New("rate limited"),
		},
	}

	out := newService(fake).Run(context.Background(), "p",
		[]string{provider.ServiceCompute, provider.ServiceFirewall})

	// The failing service is recorded; the sibling still enumerates.
	require.Len(t, out.Assets, 1)
	assert.Equal(t, "fw-1", out.Assets[0].Name)

	var computeEntry models.ServiceScan
	for _, e := range out.Log.Entries {
		if e.Service == provider.ServiceCompute {
			computeEntry = e
		}
	}
	assert.Equal(t, models.ServiceError, computeEntry.Status)
	assert.Contains(t, computeEntry.Error, "rate limited")
}

func TestRunWarnsOnProjectMismatch(t *testing.T) {
	fake := &provider.Fake{ProjectID: "other-project"}

	out := newService(fake).Run(context.Background(), "target-project", nil)

	require.NotEmpty(t, out.Log.Warnings)
	assert.Contains(t, out.Log.Warnings[0], "other-project")
	assert.Contains(t, out.Log.Warnings[0], "target-project")
}

func TestRunAddsLogSummaryAsset(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "p",
		Logs:      []string{"2026-08-24T10:00:00Z WARNING syslog: something odd"},
	}

	out := newService(fake).Run(context.Background(), "p", []string{provider.ServiceLogging})

	require.Len(t, out.Assets, 1)
	assert.Equal(t, models.AssetLogSummary, out.Assets[0].Type)
	assert.Equal(t, LogSummaryAssetName, out.Assets[0].Name)
	assert.Len(t, out.RawLogLines, 1)
}

func TestThresholdFindings(t *testing.T) {
	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, fmt.Sprintf("sshd: Invalid user admin from 203.0.113.%d", i))
	}
	for i := 0; i < 11; i++ {
		lines = append(lines, fmt.Sprintf("app error: request %d failed", i))
	}
	for i := 0; i < 4; i++ {
		lines = append(lines, "sshd: Did not receive identification string from 198.51.100.7")
	}

	findings := thresholdFindings(lines)
	require.Len(t, findings, 3)

	byRule := map[string]models.Finding{}
	for _, f := range findings {
		byRule[f.RuleCode] = f
	}
	assert.Equal(t, models.SeverityHigh, byRule["log_001"].Severity)
	assert.Equal(t, models.SeverityHigh, byRule["log_002"].Severity)
	assert.Equal(t, models.SeverityMedium, byRule["log_003"].Severity)
	for _, f := range findings {
		assert.Equal(t, LogSummaryAssetName, f.Location)
		assert.Equal(t, models.StatusTodo, f.Status)
	}
}

func TestThresholdFindingsBelowThresholds(t *testing.T) {
	lines := []string{
		"sshd: Invalid user admin from 203.0.113.1",
		"app error: one-off failure",
	}
	assert.Empty(t, thresholdFindings(lines))
}

func TestRunLogFetchError(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "p",
		LogsErr:   errors.New("logging API unreachable"),
	}

	out := newService(fake).Run(context.Background(), "p", []string{provider.ServiceLogging})

	assert.Empty(t, out.RawLogLines)
	assert.Empty(t, out.Assets)
	require.NotEmpty(t, out.Log.Entries)
	assert.Equal(t, models.ServiceError, out.Log.Entries[0].Status)
}
