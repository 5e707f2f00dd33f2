package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore implements Store on PostgreSQL via the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pooled connection and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection and applies migrations.
// Used by the testcontainers harness.
func NewPostgresStoreFromDB(db *sql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// runMigrations applies the embedded migration files. Migrations ship inside
// the binary, so production deployments never depend on external SQL files.
func runMigrations(db *sql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source driver: m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for health checks and the event publisher.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// --- Accounts ---

const accountColumns = "id, name, purpose, project_id, credentials, services, status, last_scan_at, created_at"

func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	services, err := json.Marshal(orEmpty(account.Services))
	if err != nil {
		return fmt.Errorf("encoding services: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, purpose, project_id, credentials, services, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.Name, account.Purpose, account.ProjectID,
		account.Credentials, services, account.Status, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	return scanAccount(row)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var services []byte
	err := row.Scan(&account.ID, &account.Name, &account.Purpose, &account.ProjectID,
		&account.Credentials, &services, &account.Status, &account.LastScanAt, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	if err := json.Unmarshal(services, &account.Services); err != nil {
		return nil, fmt.Errorf("decoding services: %w", err)
	}
	return &account, nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, id string, update models.AccountUpdate) (*models.Account, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		account.Name = *update.Name
	}
	if update.Purpose != nil {
		account.Purpose = *update.Purpose
	}
	if update.Credentials != nil {
		account.Credentials = update.Credentials
	}
	if update.Services != nil {
		account.Services = update.Services
	}
	if update.Status != nil {
		account.Status = *update.Status
	}
	if update.LastScanAt != nil {
		account.LastScanAt = update.LastScanAt
	}

	services, err := json.Marshal(orEmpty(account.Services))
	if err != nil {
		return nil, fmt.Errorf("encoding services: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE accounts SET name = $2, purpose = $3, credentials = $4,
		 services = $5, status = $6, last_scan_at = $7 WHERE id = $1`,
		id, account.Name, account.Purpose, account.Credentials,
		services, account.Status, account.LastScanAt)
	if err != nil {
		return nil, fmt.Errorf("updating account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scan results ---

func (s *PostgresStore) SaveAssets(ctx context.Context, accountID string, assets []models.Asset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveAssetsTx(ctx, tx, accountID, assets); err != nil {
		return err
	}
	return tx.Commit()
}

func saveAssetsTx(ctx context.Context, tx *sql.Tx, accountID string, assets []models.Asset) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE account_id = $1", accountID); err != nil {
		return fmt.Errorf("clearing prior assets: %w", err)
	}
	for _, asset := range assets {
		metadata, err := json.Marshal(asset.Metadata)
		if err != nil {
			return fmt.Errorf("encoding asset metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO assets (account_id, asset_type, name, region, metadata)
			 VALUES ($1, $2, $3, $4, $5)`,
			accountID, asset.Type, asset.Name, asset.Region, metadata)
		if err != nil {
			return fmt.Errorf("inserting asset %s: %w", asset.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveFindings(ctx context.Context, accountID string, findings []models.Finding) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := saveFindingsTx(ctx, tx, accountID, findings)
	if err != nil {
		return 0, err
	}
	return inserted, tx.Commit()
}

// saveFindingsTx inserts findings, skipping (rule_code, location) pairs that
// already exist so triage status survives rescans.
func saveFindingsTx(ctx context.Context, tx *sql.Tx, accountID string, findings []models.Finding) (int, error) {
	inserted := 0
	for _, f := range findings {
		if f.Status == "" {
			f.Status = models.StatusTodo
		}
		if f.DiscoveredAt.IsZero() {
			f.DiscoveredAt = time.Now().UTC()
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO findings (account_id, rule_code, title, description, severity,
			   location, status, remediation_script, correlated, verdict, tactic, technique, discovered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT ON CONSTRAINT findings_dedup DO NOTHING`,
			accountID, f.RuleCode, f.Title, f.Description, f.Severity,
			f.Location, f.Status, f.RemediationScript, f.Correlated,
			f.Verdict, f.Tactic, f.Technique, f.DiscoveredAt)
		if err != nil {
			return 0, fmt.Errorf("inserting finding %s/%s: %w", f.RuleCode, f.Location, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, accountID string, filter FindingFilter) ([]models.Finding, error) {
	query := `SELECT rule_code, title, description, severity, location, status,
	            remediation_script, correlated, verdict, tactic, technique, discovered_at
	          FROM findings WHERE account_id = $1`
	args := []any{accountID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	query += ` ORDER BY CASE severity
	             WHEN 'critical' THEN 0 WHEN 'high' THEN 1
	             WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END,
	           discovered_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var findings []models.Finding
	for rows.Next() {
		var f models.Finding
		if err := rows.Scan(&f.RuleCode, &f.Title, &f.Description, &f.Severity,
			&f.Location, &f.Status, &f.RemediationScript, &f.Correlated,
			&f.Verdict, &f.Tactic, &f.Technique, &f.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// --- Scan logs ---

func (s *PostgresStore) CreateScanLog(ctx context.Context, id, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_logs (id, account_id, status) VALUES ($1, $2, $3)`,
		id, accountID, models.ScanRunning)
	if err != nil {
		return fmt.Errorf("creating scan log: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteScanLog(ctx context.Context, id string, status models.ScanStatus, summary string, log models.ScanLog) error {
	entries, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encoding scan log entries: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_logs SET status = $2, summary = $3, entries = $4, completed_at = now()
		 WHERE id = $1`,
		id, status, summary, entries)
	if err != nil {
		return fmt.Errorf("completing scan log: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeScan commits asset replace, finding insert and scan-log completion
// in one transaction. The scan-log row is upserted: the queue worker may have
// created a running record under the same id.
func (s *PostgresStore) FinalizeScan(ctx context.Context, scanID, accountID string, assets []models.Asset, findings []models.Finding, status models.ScanStatus, summary string, log models.ScanLog) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveAssetsTx(ctx, tx, accountID, assets); err != nil {
		return 0, err
	}

	inserted, err := saveFindingsTx(ctx, tx, accountID, findings)
	if err != nil {
		return 0, err
	}

	entries, err := json.Marshal(log)
	if err != nil {
		return 0, fmt.Errorf("encoding scan log entries: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scan_logs (id, account_id, status, summary, entries, completed_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, summary = EXCLUDED.summary,
		   entries = EXCLUDED.entries, completed_at = EXCLUDED.completed_at`,
		scanID, accountID, status, summary, entries)
	if err != nil {
		return 0, fmt.Errorf("writing scan log: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE accounts SET last_scan_at = now() WHERE id = $1", accountID)
	if err != nil {
		return 0, fmt.Errorf("stamping last scan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing scan results: %w", err)
	}
	return inserted, nil
}

// --- Scan job queue ---

const jobColumns = "id, account_id, status, pod_id, summary, error, created_at, started_at, completed_at, last_interaction_at"

func (s *PostgresStore) EnqueueScan(ctx context.Context, accountID string) (*models.ScanJob, error) {
	job := &models.ScanJob{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_jobs (id, account_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, job.AccountID, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueueing scan: %w", err)
	}
	return job, nil
}

// ClaimNextScan claims the oldest pending job with FOR UPDATE SKIP LOCKED so
// replicas never double-claim, and enforces the global in-progress limit
// inside the same transaction.
func (s *PostgresStore) ClaimNextScan(ctx context.Context, podID string, maxConcurrent int) (*models.ScanJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxConcurrent > 0 {
		var active int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM scan_jobs WHERE status = $1", models.JobInProgress).Scan(&active)
		if err != nil {
			return nil, fmt.Errorf("counting active scans: %w", err)
		}
		if active >= maxConcurrent {
			return nil, ErrAtCapacity
		}
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM scan_jobs WHERE status = $1
		 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`,
		models.JobPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pending scan: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE scan_jobs SET status = $2, pod_id = $3,
		   started_at = now(), last_interaction_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, models.JobInProgress, podID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (s *PostgresStore) GetScanJob(ctx context.Context, id string) (*models.ScanJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM scan_jobs WHERE id = $1", id)
	return scanJob(row)
}

func scanJob(row rowScanner) (*models.ScanJob, error) {
	var job models.ScanJob
	err := row.Scan(&job.ID, &job.AccountID, &job.Status, &job.PodID, &job.Summary,
		&job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.LastInteractionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scan job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) HeartbeatScan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_jobs SET last_interaction_at = now()
		 WHERE id = $1 AND status = $2`,
		id, models.JobInProgress)
	if err != nil {
		return fmt.Errorf("heartbeating scan: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteScan(ctx context.Context, id string, status models.ScanJobStatus, summary, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_jobs SET status = $2, summary = $3, error = $4,
		   completed_at = now(), last_interaction_at = now()
		 WHERE id = $1`,
		id, status, summary, errMsg)
	if err != nil {
		return fmt.Errorf("completing scan job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecoverOrphanedScans(ctx context.Context, threshold time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_jobs SET status = $1, pod_id = '', started_at = NULL, last_interaction_at = NULL
		 WHERE status = $2 AND last_interaction_at < now() - $3::interval`,
		models.JobPending, models.JobInProgress,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recovering orphaned scans: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountActiveScans(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scan_jobs WHERE status = $1", models.JobInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active scans: %w", err)
	}
	return n, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
