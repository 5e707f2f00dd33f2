package scan

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
)

type fakePersister struct {
	mu        sync.Mutex
	calls     int
	accountID string
	assets    []models.Asset
	findings  []models.Finding
	status    models.ScanStatus
	err       error
}

func (f *fakePersister) FinalizeScan(_ context.Context, _ string, accountID string, assets []models.Asset, findings []models.Finding, status models.ScanStatus, _ string, _ models.ScanLog) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.accountID = accountID
	f.assets = assets
	f.findings = findings
	f.status = status
	if f.err != nil {
		return 0, f.err
	}
	return len(findings), nil
}

func staticFactory(p provider.Provider) ProviderFactory {
	return func(context.Context, string, []byte) (provider.Provider, error) {
		return p, nil
	}
}

func newOrchestrator(p provider.Provider, store Persister) *Orchestrator {
	return NewOrchestrator(staticFactory(p), store, nil,
		config.DefaultScanConfig(), slog.New(slog.DiscardHandler))
}

func newScanState() *models.ScanState {
	return &models.ScanState{
		ScanID:     "scan-1",
		AccountID:  "acct-1",
		ProjectID:  "test-project",
		Credential: []byte(`{}`),
	}
}

// Brute-force logs naming the open firewall rule, enough to clear both the
// discovery auth threshold and the correlation patterns.
func bruteForceLogs(resource string) []string {
	var logs []string
	for i := 0; i < 8; i++ {
		logs = append(logs,
			"sshd via "+resource+": Invalid user admin from 203.0.113.9 Failed password")
	}
	return logs
}

func TestRunFullScanCorrelatesActiveExploit(t *testing.T) {
	fake := &provider.Fake{
		Identity:  "scanner@test-project.iam.gserviceaccount.com",
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {firewallAsset("allow-ssh", []string{"0.0.0.0/0"})},
			provider.ServiceCompute:  {instanceAsset("worker-1", false)},
		},
		Logs: bruteForceLogs("allow-ssh"),
	}
	store := &fakePersister{}
	sink := &events.CaptureSink{}
	state := newScanState()

	require.NoError(t, newOrchestrator(fake, store).Run(context.Background(), state, sink))

	assert.Equal(t, models.StatusComplete, state.Status)
	assert.Equal(t, models.ScanTypeFull, state.ScanType)
	assert.Equal(t, 1, state.PublicScansPerformed)
	assert.Equal(t, 1, state.ActiveExploitCount)

	var active models.Finding
	for _, f := range state.CorrelatedFindings {
		if f.Correlated {
			active = f
		}
	}
	assert.Equal(t, "gcp_002", active.RuleCode)
	assert.Equal(t, models.SeverityCritical, active.Severity)
	assert.True(t, strings.HasPrefix(active.Title, models.CorrelatedTitlePrefix))
	assert.Equal(t, "Brute Force Attempt in Progress", active.Verdict)
	assert.Equal(t, "TA0006", active.Tactic)
	assert.Contains(t, active.RemediationScript, "gcloud compute firewall-rules")
	assert.Contains(t, active.RemediationScript, "allow-ssh")
	assert.Contains(t, active.RemediationScript, "test-project")

	// Threat pipeline ran over the logs and produced a report.
	require.NotNil(t, state.Report)
	assert.Contains(t, state.Report.ActiveIncidents, "Brute Force Attempt in Progress")

	// Persisted transactionally with the derived status.
	require.Equal(t, 1, store.calls)
	assert.Equal(t, "acct-1", store.accountID)
	assert.Equal(t, models.ScanSuccess, store.status)

	kinds := sink.Kinds()
	assert.Contains(t, kinds, events.KindProgress)
	assert.Contains(t, kinds, events.KindThreatStage)
	assert.Equal(t, events.KindFinal, kinds[len(kinds)-1])
}

func TestRunLoggingOnlyScan(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceCompute: {instanceAsset("worker-1", false)},
		},
	}
	state := newScanState()

	require.NoError(t, newOrchestrator(fake, &fakePersister{}).Run(context.Background(), state, nil))

	assert.Equal(t, models.ScanTypeCloudLoggingOnly, state.ScanType)
	assert.Equal(t, 0, state.PublicScansPerformed)
	assert.Equal(t, models.StatusComplete, state.Status)
}

func TestRunCredentialFailureStillEmitsTerminal(t *testing.T) {
	factory := func(context.Context, string, []byte) (provider.Provider, error) {
		return nil, errors.New("invalid service account key")
	}
	o := NewOrchestrator(factory, &fakePersister{}, nil,
		config.DefaultScanConfig(), slog.New(slog.DiscardHandler))
	sink := &events.CaptureSink{}
	state := newScanState()

	require.NoError(t, o.Run(context.Background(), state, sink))

	assert.Equal(t, models.StatusError, state.Status)
	require.NotEmpty(t, state.ScanLog.Warnings)
	assert.Contains(t, state.ScanLog.Warnings[0], "credential rejected")

	kinds := sink.Kinds()
	assert.Equal(t, events.KindError, kinds[len(kinds)-1])
}

func TestRunPersistFailureMarksPartial(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {firewallAsset("allow-ssh", []string{"0.0.0.0/0"})},
		},
	}
	store := &fakePersister{err: errors.New("db down")}
	state := newScanState()

	require.NoError(t, newOrchestrator(fake, store).Run(context.Background(), state, nil))

	assert.Equal(t, models.StatusPartialResult, state.Status)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[len(state.Errors)-1], "db down")
}

// panicProvider wraps a Fake and panics on bucket IAM checks to exercise the
// worker panic boundary.
type panicProvider struct {
	provider.Fake
}

func (p *panicProvider) BucketHasPublicBinding(context.Context, string) (bool, error) {
	panic("simulated SDK bug")
}

func TestRunWorkerPanicBecomesScanErrorFinding(t *testing.T) {
	prov := &panicProvider{Fake: provider.Fake{
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceStorage: {
				bucketAsset("open-bucket", "inherited"),
				bucketAsset("locked-bucket", "enforced"),
			},
			provider.ServiceFirewall: {firewallAsset("allow-ssh", []string{"0.0.0.0/0"})},
		},
	}}
	state := newScanState()

	require.NoError(t, newOrchestrator(prov, &fakePersister{}).Run(context.Background(), state, nil))

	var scanError models.Finding
	for _, f := range state.ScanIssues {
		if f.RuleCode == "scan_error" {
			scanError = f
		}
	}
	require.Equal(t, "scan_error", scanError.RuleCode)
	assert.Equal(t, models.SeverityLow, scanError.Severity)
	assert.Contains(t, scanError.Description, "simulated SDK bug")

	// The sibling firewall worker still completed.
	var sawFirewall bool
	for _, f := range state.ScanIssues {
		if f.RuleCode == "gcp_002" {
			sawFirewall = true
		}
	}
	assert.True(t, sawFirewall, "sibling workers must survive a panic")
}

func TestRunAggregateCompletesAfterWorkers(t *testing.T) {
	fake := &provider.Fake{
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {
				firewallAsset("fw-a", []string{"0.0.0.0/0"}),
				firewallAsset("fw-b", []string{"0.0.0.0/0"}),
			},
		},
	}
	sink := &events.CaptureSink{}
	state := newScanState()

	require.NoError(t, newOrchestrator(fake, nil).Run(context.Background(), state, sink))

	// The dispatch join happens before the aggregate stage starts, so the
	// aggregate stage-complete event must come after all worker output is in.
	var aggregateIdx, dispatchIdx int
	for i, e := range sink.Events() {
		if e.Kind != events.KindStageComplete {
			continue
		}
		switch e.Payload.(events.StagePayload).Stage {
		case nodeDispatch:
			dispatchIdx = i
		case nodeAggregate:
			aggregateIdx = i
		}
	}
	assert.Greater(t, aggregateIdx, dispatchIdx)
	assert.Len(t, state.ScannedAssets, 2)
}
