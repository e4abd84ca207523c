package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process ImportRepository. It enforces the
// same (tenant, channel, external reference) uniqueness as the database
// and is used by the memory store driver and end-to-end tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	now   func() time.Time
	files map[uuid.UUID]*UserFile
	jobs  map[uuid.UUID]*ImportJob
	txs   []StoredTransaction
	refs  map[refKey]struct{}

	// history keeps every progress snapshot per job, oldest first.
	history map[uuid.UUID][]Progress
}

// StoredTransaction is a committed row held by MemoryRepository.
type StoredTransaction struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Channel      string
	ImportJobID  uuid.UUID
	AccountLabel *string
	CurrencyCode string
	Source       string
	Status       string
	TransactionRow
}

type refKey struct {
	tenant  uuid.UUID
	channel string
	ref     string
}

var _ ImportRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:     time.Now,
		files:   make(map[uuid.UUID]*UserFile),
		jobs:    make(map[uuid.UUID]*ImportJob),
		refs:    make(map[refKey]struct{}),
		history: make(map[uuid.UUID][]Progress),
	}
}

func (m *MemoryRepository) CreateUserFile(_ context.Context, file *UserFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file.ID = uuid.New()
	file.CreatedAt = m.now()
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteUserFile(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *MemoryRepository) GetUserFile(_ context.Context, id uuid.UUID) (*UserFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryRepository) CreateImportJob(_ context.Context, job *ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = StatusPending
	}
	job.ID = uuid.New()
	job.CreatedAt = m.now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetImportJob(_ context.Context, tenantID, id uuid.UUID) (*ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryRepository) ListImportJobs(_ context.Context, tenantID uuid.UUID, limit int) ([]*ImportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*ImportJob
	for _, job := range m.jobs {
		if job.TenantID == tenantID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	slices.SortFunc(jobs, func(a, b *ImportJob) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryRepository) ListPendingJobs(_ context.Context) ([]*ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*ImportJob
	for _, job := range m.jobs {
		if job.Status == StatusPending {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	slices.SortFunc(jobs, func(a, b *ImportJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs, nil
}

func (m *MemoryRepository) MarkJobRunning(_ context.Context, id uuid.UUID, totalRows int, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	now := m.now()
	job.Status = StatusRunning
	job.TotalRows = totalRows
	job.StartedAt = &now
	job.UpdatedAt = now
	m.apply(job, p)
	return nil
}

func (m *MemoryRepository) UpdateImportJobProgress(_ context.Context, id uuid.UUID, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusRunning {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	job.UpdatedAt = m.now()
	m.apply(job, p)
	return nil
}

func (m *MemoryRepository) FinishImportJob(_ context.Context, id uuid.UUID, status JobStatus, p Progress, errorMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish import job: %q is not a terminal status", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	now := m.now()
	p.Errored += max(job.TotalRows-p.Processed, 0)
	p.Processed = job.TotalRows
	job.Status = status
	job.ErrorMessage = errorMessage
	job.FinishedAt = &now
	job.UpdatedAt = now
	m.apply(job, p)
	return nil
}

func (m *MemoryRepository) MarkStaleJobsFailed(_ context.Context, olderThan time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for _, job := range m.jobs {
		if job.Status != StatusRunning || !job.UpdatedAt.Before(olderThan) {
			continue
		}
		msg := message
		job.Status = StatusFailed
		job.ErrorMessage = &msg
		job.FinishedAt = &now
		job.UpdatedAt = now
		m.apply(job, Progress{
			Processed:  job.TotalRows,
			Imported:   job.RowsImported,
			Duplicated: job.RowsDuplicated,
			Errored:    job.RowsErrored + max(job.TotalRows-job.RowsProcessed, 0),
		})
		n++
	}
	return n, nil
}

func (m *MemoryRepository) FindExistingReferences(ctx context.Context, tenantID uuid.UUID, channel string, refs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []string
	for _, ref := range refs {
		if _, ok := m.refs[refKey{tenantID, channel, ref}]; ok {
			found = append(found, ref)
		}
	}
	return found, nil
}

// InsertTransactions is all-or-nothing per batch, like the single
// INSERT statement of the Postgres store.
func (m *MemoryRepository) InsertTransactions(ctx context.Context, batch InsertBatch) ([]InsertedRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[refKey]struct{}, len(batch.Rows))
	for _, row := range batch.Rows {
		key := refKey{batch.TenantID, batch.Channel, row.ExternalReference}
		if _, ok := m.refs[key]; ok {
			return nil, fmt.Errorf("insert %q: %w", row.ExternalReference, ErrUniqueViolation)
		}
		if _, ok := pending[key]; ok {
			return nil, fmt.Errorf("insert %q: %w", row.ExternalReference, ErrUniqueViolation)
		}
		pending[key] = struct{}{}
	}

	inserted := make([]InsertedRow, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		id := uuid.New()
		m.refs[refKey{batch.TenantID, batch.Channel, row.ExternalReference}] = struct{}{}
		m.txs = append(m.txs, StoredTransaction{
			ID:             id,
			TenantID:       batch.TenantID,
			Channel:        batch.Channel,
			ImportJobID:    batch.ImportJobID,
			AccountLabel:   batch.AccountLabel,
			CurrencyCode:   batch.CurrencyCode,
			Source:         batch.Source,
			Status:         StatusImported,
			TransactionRow: row,
		})
		inserted = append(inserted, InsertedRow{ID: id, ExternalReference: row.ExternalReference})
	}
	return inserted, nil
}

// Transactions returns the committed rows of a tenant in insertion order.
func (m *MemoryRepository) Transactions(tenantID uuid.UUID) []StoredTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StoredTransaction
	for _, tx := range m.txs {
		if tx.TenantID == tenantID {
			out = append(out, tx)
		}
	}
	return out
}

// ProgressHistory returns every counter snapshot written for a job.
func (m *MemoryRepository) ProgressHistory(id uuid.UUID) []Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[id])
}

// SetClock overrides the time source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) apply(job *ImportJob, p Progress) {
	job.RowsProcessed = max(job.RowsProcessed, p.Processed)
	job.RowsImported = p.Imported
	job.RowsDuplicated = p.Duplicated
	job.RowsErrored = p.Errored
	m.history[job.ID] = append(m.history[job.ID], Progress{
		Processed:  job.RowsProcessed,
		Imported:   job.RowsImported,
		Duplicated: job.RowsDuplicated,
		Errored:    job.RowsErrored,
	})
}
