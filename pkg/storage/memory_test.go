package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

func newAccount(t *testing.T, store Store) *models.Account {
	t.Helper()
	account := &models.Account{
		Name:      "prod",
		ProjectID: "test-project",
		Services:  []string{"compute", "firewall"},
	}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	return account
}

func finding(rule, location string, severity models.Severity, at time.Time) models.Finding {
	return models.Finding{
		RuleCode:     rule,
		Title:        rule,
		Severity:     severity,
		Location:     location,
		Status:       models.StatusTodo,
		DiscoveredAt: at,
	}
}

func TestSaveFindingsDedupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	batch := []models.Finding{
		finding("gcp_002", "Firewall: allow-ssh", models.SeverityHigh, time.Now()),
		finding("gcp_004", "Bucket: open-bucket", models.SeverityCritical, time.Now()),
	}

	inserted, err := store.SaveFindings(ctx, account.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Re-saving the same batch inserts nothing and the set is unchanged.
	inserted, err = store.SaveFindings(ctx, account.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	listed, err := store.ListFindings(ctx, account.ID, FindingFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestSaveFindingsPreservesExistingStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	first := finding("gcp_002", "Firewall: allow-ssh", models.SeverityHigh, time.Now())
	first.Status = models.StatusIgnored
	_, err := store.SaveFindings(ctx, account.ID, []models.Finding{first})
	require.NoError(t, err)

	// A rescan reports the same finding fresh (status todo); the stored
	// record keeps its triage status.
	again := finding("gcp_002", "Firewall: allow-ssh", models.SeverityHigh, time.Now())
	_, err = store.SaveFindings(ctx, account.ID, []models.Finding{again})
	require.NoError(t, err)

	listed, err := store.ListFindings(ctx, account.ID, FindingFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.StatusIgnored, listed[0].Status)
}

func TestListFindingsOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	base := time.Now().UTC()
	batch := []models.Finding{
		finding("low_1", "a", models.SeverityLow, base),
		finding("crit_old", "b", models.SeverityCritical, base.Add(-time.Hour)),
		finding("crit_new", "c", models.SeverityCritical, base),
		finding("high_1", "d", models.SeverityHigh, base),
	}
	_, err := store.SaveFindings(ctx, account.ID, batch)
	require.NoError(t, err)

	listed, err := store.ListFindings(ctx, account.ID, FindingFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 4)

	// Severity first (critical before high before low), newest first within
	// a severity.
	assert.Equal(t, "crit_new", listed[0].RuleCode)
	assert.Equal(t, "crit_old", listed[1].RuleCode)
	assert.Equal(t, "high_1", listed[2].RuleCode)
	assert.Equal(t, "low_1", listed[3].RuleCode)
}

func TestListFindingsFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	resolved := finding("gcp_002", "a", models.SeverityHigh, time.Now())
	resolved.Status = models.StatusResolved
	_, err := store.SaveFindings(ctx, account.ID, []models.Finding{
		resolved,
		finding("gcp_004", "b", models.SeverityCritical, time.Now()),
	})
	require.NoError(t, err)

	bySeverity, err := store.ListFindings(ctx, account.ID, FindingFilter{Severity: models.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, bySeverity, 1)
	assert.Equal(t, "gcp_004", bySeverity[0].RuleCode)

	byStatus, err := store.ListFindings(ctx, account.ID, FindingFilter{Status: models.StatusResolved})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "gcp_002", byStatus[0].RuleCode)
}

func TestSaveAssetsReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	require.NoError(t, store.SaveAssets(ctx, account.ID, []models.Asset{
		{Type: models.AssetFirewallRule, Name: "old-rule"},
		{Type: models.AssetObjectBucket, Name: "old-bucket"},
	}))
	require.NoError(t, store.SaveAssets(ctx, account.ID, []models.Asset{
		{Type: models.AssetComputeInstance, Name: "new-instance"},
	}))

	assets := store.Assets(account.ID)
	require.Len(t, assets, 1)
	assert.Equal(t, "new-instance", assets[0].Name)
}

func TestDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	require.NoError(t, store.SaveAssets(ctx, account.ID, []models.Asset{{Type: models.AssetFirewallRule, Name: "fw"}}))
	_, err := store.SaveFindings(ctx, account.ID, []models.Finding{
		finding("gcp_002", "Firewall: fw", models.SeverityHigh, time.Now()),
	})
	require.NoError(t, err)
	job, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteAccount(ctx, account.ID))

	_, err = store.GetAccount(ctx, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetScanJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.Assets(account.ID))
	listed, err := store.ListFindings(ctx, account.ID, FindingFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestClaimNextScanOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	first, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)

	claimed, err := store.ClaimNextScan(ctx, "pod-a", 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID, "oldest pending job is claimed first")
	assert.Equal(t, models.JobInProgress, claimed.Status)
	assert.Equal(t, "pod-a", claimed.PodID)

	// Concurrency limit 1: second job stays pending.
	_, err = store.ClaimNextScan(ctx, "pod-b", 1)
	assert.ErrorIs(t, err, ErrAtCapacity)

	require.NoError(t, store.CompleteScan(ctx, claimed.ID, models.JobCompleted, "ok", ""))

	claimed2, err := store.ClaimNextScan(ctx, "pod-b", 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed2.ID)

	// Queue drained: empty, not at capacity.
	_, err = store.ClaimNextScan(ctx, "pod-a", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverOrphanedScans(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	_, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)
	claimed, err := store.ClaimNextScan(ctx, "pod-dead", 0)
	require.NoError(t, err)

	// Age the heartbeat past the threshold.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	store.mu.Lock()
	store.jobs[claimed.ID].LastInteractionAt = &stale
	store.mu.Unlock()

	recovered, err := store.RecoverOrphanedScans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := store.GetScanJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Empty(t, job.PodID)
}

func TestFinalizeScanStampsLastScan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	account := newAccount(t, store)

	inserted, err := store.FinalizeScan(ctx, "scan-1", account.ID,
		[]models.Asset{{Type: models.AssetFirewallRule, Name: "fw"}},
		[]models.Finding{finding("gcp_002", "Firewall: fw", models.SeverityHigh, time.Now())},
		models.ScanSuccess, "1 finding", models.ScanLog{})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	updated, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastScanAt)
}
