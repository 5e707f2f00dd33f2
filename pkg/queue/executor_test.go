package queue

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
	"github.com/mandadapu/neuralwarden/pkg/scan"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

func newExecutor(t *testing.T, store storage.Store, fake *provider.Fake) *OrchestratorExecutor {
	t.Helper()
	factory := func(ctx context.Context, projectID string, credential []byte) (provider.Provider, error) {
		return fake, nil
	}
	orchestrator := scan.NewOrchestrator(factory, store, nil, config.DefaultScanConfig(), slog.New(slog.DiscardHandler))
	return NewOrchestratorExecutor(store, orchestrator, nil, slog.New(slog.DiscardHandler))
}

func TestExecutorRunsScanToCompletion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	account := &models.Account{Name: "prod", ProjectID: "test-project", Services: []string{provider.ServiceFirewall}}
	require.NoError(t, store.CreateAccount(ctx, account))
	job, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)

	fake := &provider.Fake{
		Identity:  "sa@test.iam",
		ProjectID: "test-project",
		Assets: map[string][]models.Asset{
			provider.ServiceFirewall: {{Type: models.AssetFirewallRule, Name: "internal-only"}},
		},
	}

	result := newExecutor(t, store, fake).Execute(ctx, job)
	require.NotNil(t, result)
	assert.Equal(t, models.JobCompleted, result.Status)
	assert.Contains(t, result.Summary, "1 assets")
	assert.NoError(t, result.Error)

	// The orchestrator persisted the discovered asset.
	memStore := store
	assert.Len(t, memStore.Assets(account.ID), 1)
}

func TestExecutorFailsOnMissingAccount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	result := newExecutor(t, store, &provider.Fake{}).Execute(ctx, &models.ScanJob{
		ID:        "job-1",
		AccountID: "missing",
	})
	require.NotNil(t, result)
	assert.Equal(t, models.JobFailed, result.Status)
	assert.ErrorIs(t, result.Error, storage.ErrNotFound)
}

func TestExecutorSkipsDisabledAccount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	account := &models.Account{Name: "prod", ProjectID: "test-project", Status: models.AccountDisabled}
	require.NoError(t, store.CreateAccount(ctx, account))
	job, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)

	result := newExecutor(t, store, &provider.Fake{}).Execute(ctx, job)
	require.NotNil(t, result)
	assert.Equal(t, models.JobCancelled, result.Status)
	assert.Equal(t, "account disabled", result.Summary)
}
