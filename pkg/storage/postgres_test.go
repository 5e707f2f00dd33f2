package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// sharedDatabase returns a connection string to the test database: an
// external one via CI_DATABASE_URL, or a shared testcontainer started once
// per package.
func sharedDatabase(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// newPostgresStore creates a store against a fresh per-test schema.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	connStr := sharedDatabase(t)
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())

	admin, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	db, err := sql.Open("pgx", connStr+"&search_path="+schema)
	require.NoError(t, err)

	store, err := NewPostgresStoreFromDB(db, "test")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
		cleanup, err := sql.Open("pgx", connStr)
		if err != nil {
			return
		}
		_, _ = cleanup.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		_ = cleanup.Close()
	})
	return store
}

func TestPostgresAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	account := &models.Account{
		Name:        "prod",
		Purpose:     "production workloads",
		ProjectID:   "test-project",
		Credentials: []byte(`{"client_email":"sa@test.iam"}`),
		Services:    []string{"compute", "firewall"},
	}
	require.NoError(t, store.CreateAccount(ctx, account))
	require.NotEmpty(t, account.ID)

	got, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.Equal(t, []string{"compute", "firewall"}, got.Services)
	assert.Equal(t, models.AccountActive, got.Status)

	newName := "prod-eu"
	disabled := models.AccountDisabled
	updated, err := store.UpdateAccount(ctx, account.ID, models.AccountUpdate{
		Name:   &newName,
		Status: &disabled,
	})
	require.NoError(t, err)
	assert.Equal(t, "prod-eu", updated.Name)
	assert.Equal(t, models.AccountDisabled, updated.Status)
	// Untouched fields survive a partial update.
	assert.Equal(t, "production workloads", updated.Purpose)

	require.NoError(t, store.DeleteAccount(ctx, account.ID))
	_, err = store.GetAccount(ctx, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresFindingsDedupAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	base := time.Now().UTC().Truncate(time.Microsecond)
	batch := []models.Finding{
		finding("low_1", "a", models.SeverityLow, base),
		finding("crit_old", "b", models.SeverityCritical, base.Add(-time.Hour)),
		finding("crit_new", "c", models.SeverityCritical, base),
	}

	inserted, err := store.SaveFindings(ctx, account.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	inserted, err = store.SaveFindings(ctx, account.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted, "dedup must be idempotent")

	listed, err := store.ListFindings(ctx, account.ID, FindingFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "crit_new", listed[0].RuleCode)
	assert.Equal(t, "crit_old", listed[1].RuleCode)
	assert.Equal(t, "low_1", listed[2].RuleCode)
}

func TestPostgresDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	require.NoError(t, store.SaveAssets(ctx, account.ID, []models.Asset{
		{Type: models.AssetFirewallRule, Name: "fw", Metadata: models.AssetMetadata{
			Firewall: &models.FirewallMetadata{Direction: "INGRESS"},
		}},
	}))
	_, err := store.SaveFindings(ctx, account.ID, []models.Finding{
		finding("gcp_002", "Firewall: fw", models.SeverityHigh, time.Now().UTC()),
	})
	require.NoError(t, err)
	job, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteAccount(ctx, account.ID))

	_, err = store.GetScanJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var assetCount int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE account_id = $1", account.ID).Scan(&assetCount))
	assert.Equal(t, 0, assetCount)
}

func TestPostgresClaimNextScanSkipsLocked(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	for i := 0; i < 3; i++ {
		_, err := store.EnqueueScan(ctx, account.ID)
		require.NoError(t, err)
	}

	// Concurrent claims from two pods must never hand out the same job.
	claimed := make(chan string, 3)
	var wg sync.WaitGroup
	for _, pod := range []string{"pod-a", "pod-b", "pod-c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNextScan(ctx, pod, 0)
			if err == nil {
				claimed <- job.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	for id := range claimed {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, 3)
}

func TestPostgresClaimNextScanAtCapacity(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	for i := 0; i < 2; i++ {
		_, err := store.EnqueueScan(ctx, account.ID)
		require.NoError(t, err)
	}

	_, err := store.ClaimNextScan(ctx, "pod-a", 1)
	require.NoError(t, err)

	_, err = store.ClaimNextScan(ctx, "pod-b", 1)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestPostgresFinalizeScanIsTransactional(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	job, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)
	require.NoError(t, store.CreateScanLog(ctx, job.ID, account.ID))

	inserted, err := store.FinalizeScan(ctx, job.ID, account.ID,
		[]models.Asset{{Type: models.AssetFirewallRule, Name: "fw"}},
		[]models.Finding{finding("gcp_002", "Firewall: fw", models.SeverityHigh, time.Now().UTC())},
		models.ScanSuccess, "1 asset, 1 finding", models.ScanLog{Identity: "sa@test.iam"})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// The running scan-log record created by the worker was completed, not
	// duplicated.
	var status string
	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scan_logs WHERE account_id = $1", account.ID).Scan(&count))
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT status FROM scan_logs WHERE id = $1", job.ID).Scan(&status))
	assert.Equal(t, 1, count)
	assert.Equal(t, string(models.ScanSuccess), status)

	got, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastScanAt)
}

func TestPostgresOrphanRecovery(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	account := newAccount(t, store)

	_, err := store.EnqueueScan(ctx, account.ID)
	require.NoError(t, err)
	claimed, err := store.ClaimNextScan(ctx, "pod-dead", 0)
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx,
		"UPDATE scan_jobs SET last_interaction_at = now() - interval '10 minutes' WHERE id = $1",
		claimed.ID)
	require.NoError(t, err)

	recovered, err := store.RecoverOrphanedScans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := store.GetScanJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
}
