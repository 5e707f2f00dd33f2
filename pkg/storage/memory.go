package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// MemoryStore is an in-memory Store for tests and dry runs. Semantics match
// PostgresStore: wholesale asset replace, (rule_code, location) finding
// dedup, severity-then-timestamp ordering, SKIP LOCKED-equivalent claiming.
type MemoryStore struct {
	mu sync.Mutex

	accounts map[string]*models.Account
	assets   map[string][]models.Asset
	findings map[string][]models.Finding
	scanLogs map[string]*memoryScanLog
	jobs     map[string]*models.ScanJob
}

type memoryScanLog struct {
	id        string
	accountID string
	status    models.ScanStatus
	summary   string
	log       models.ScanLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: map[string]*models.Account{},
		assets:   map[string][]models.Asset{},
		findings: map[string][]models.Finding{},
		scanLogs: map[string]*memoryScanLog{},
		jobs:     map[string]*models.ScanJob{},
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, id string, update models.AccountUpdate) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
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
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	delete(m.assets, id)
	delete(m.findings, id)
	for logID, l := range m.scanLogs {
		if l.accountID == id {
			delete(m.scanLogs, logID)
		}
	}
	for jobID, j := range m.jobs {
		if j.AccountID == id {
			delete(m.jobs, jobID)
		}
	}
	return nil
}

func (m *MemoryStore) SaveAssets(_ context.Context, accountID string, assets []models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[accountID] = append([]models.Asset(nil), assets...)
	return nil
}

// Assets returns the stored asset set for test assertions.
func (m *MemoryStore) Assets(accountID string) []models.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Asset(nil), m.assets[accountID]...)
}

func (m *MemoryStore) SaveFindings(_ context.Context, accountID string, findings []models.Finding) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveFindingsLocked(accountID, findings), nil
}

func (m *MemoryStore) saveFindingsLocked(accountID string, findings []models.Finding) int {
	existing := map[[2]string]struct{}{}
	for _, f := range m.findings[accountID] {
		existing[[2]string{f.RuleCode, f.Location}] = struct{}{}
	}

	inserted := 0
	for _, f := range findings {
		key := [2]string{f.RuleCode, f.Location}
		if _, ok := existing[key]; ok {
			continue
		}
		if f.Status == "" {
			f.Status = models.StatusTodo
		}
		if f.DiscoveredAt.IsZero() {
			f.DiscoveredAt = time.Now().UTC()
		}
		m.findings[accountID] = append(m.findings[accountID], f)
		existing[key] = struct{}{}
		inserted++
	}
	return inserted
}

func (m *MemoryStore) ListFindings(_ context.Context, accountID string, filter FindingFilter) ([]models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Finding
	for _, f := range m.findings[accountID] {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && f.Severity != filter.Severity {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := models.SeverityRank(out[i].Severity), models.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateScanLog(_ context.Context, id, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanLogs[id] = &memoryScanLog{id: id, accountID: accountID, status: models.ScanRunning}
	return nil
}

func (m *MemoryStore) CompleteScanLog(_ context.Context, id string, status models.ScanStatus, summary string, log models.ScanLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.scanLogs[id]
	if !ok {
		return ErrNotFound
	}
	entry.status = status
	entry.summary = summary
	entry.log = log
	return nil
}

func (m *MemoryStore) FinalizeScan(_ context.Context, scanID, accountID string, assets []models.Asset, findings []models.Finding, status models.ScanStatus, summary string, log models.ScanLog) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.assets[accountID] = append([]models.Asset(nil), assets...)
	inserted := m.saveFindingsLocked(accountID, findings)
	m.scanLogs[scanID] = &memoryScanLog{
		id: scanID, accountID: accountID, status: status, summary: summary, log: log,
	}
	if account, ok := m.accounts[accountID]; ok {
		now := time.Now().UTC()
		account.LastScanAt = &now
	}
	return inserted, nil
}

func (m *MemoryStore) EnqueueScan(_ context.Context, accountID string) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.ScanJob{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) ClaimNextScan(_ context.Context, podID string, maxConcurrent int) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxConcurrent > 0 {
		active := 0
		for _, j := range m.jobs {
			if j.Status == models.JobInProgress {
				active++
			}
		}
		if active >= maxConcurrent {
			return nil, ErrAtCapacity
		}
	}

	var oldest *models.ScanJob
	for _, j := range m.jobs {
		if j.Status != models.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	oldest.Status = models.JobInProgress
	oldest.PodID = podID
	oldest.StartedAt = &now
	oldest.LastInteractionAt = &now
	cp := *oldest
	return &cp, nil
}

func (m *MemoryStore) GetScanJob(_ context.Context, id string) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) HeartbeatScan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobInProgress {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.LastInteractionAt = &now
	return nil
}

func (m *MemoryStore) CompleteScan(_ context.Context, id string, status models.ScanJobStatus, summary, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.Summary = summary
	job.Error = errMsg
	job.CompletedAt = &now
	job.LastInteractionAt = &now
	return nil
}

func (m *MemoryStore) RecoverOrphanedScans(_ context.Context, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	recovered := 0
	for _, j := range m.jobs {
		if j.Status != models.JobInProgress {
			continue
		}
		if j.LastInteractionAt != nil && j.LastInteractionAt.Before(cutoff) {
			j.Status = models.JobPending
			j.PodID = ""
			j.StartedAt = nil
			j.LastInteractionAt = nil
			recovered++
		}
	}
	return recovered, nil
}

func (m *MemoryStore) CountActiveScans(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == models.JobInProgress {
			n++
		}
	}
	return n, nil
}
