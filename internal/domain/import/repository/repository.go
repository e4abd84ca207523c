// Package repository provides data access for import jobs and the
// marketplace transactions they commit.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusConcluded JobStatus = "concluded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == StatusConcluded || s == StatusFailed
}

// Source tags where an inserted row came from.
const (
	SourceSpreadsheet   = "spreadsheet"
	SourceDelimitedText = "delimited_text"
)

// StatusImported is the status every committed transaction starts with.
const StatusImported = "imported"

var (
	ErrJobNotFound      = errors.New("import job not found")
	ErrFileNotFound     = errors.New("user file not found")
	ErrUniqueViolation  = errors.New("unique constraint violation")
	ErrJobNotTransition = errors.New("import job is not in the expected state")
)

// uniqueViolationCode is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a storage uniqueness violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// ImportJob tracks one upload from submission to its terminal state.
type ImportJob struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Channel        string          `json:"channel"`
	AccountLabel   *string         `json:"account_label,omitempty"`
	SourceFilename string          `json:"source_filename"`
	SourceKind     string          `json:"source_kind"`
	FileID         *uuid.UUID      `json:"file_id,omitempty"`
	TotalRows      int             `json:"total_rows"`
	RowsProcessed  int             `json:"rows_processed"`
	RowsImported   int             `json:"rows_imported"`
	RowsDuplicated int             `json:"rows_duplicated"`
	RowsErrored    int             `json:"rows_errored"`
	Status         JobStatus       `json:"status"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ParseStats     json.RawMessage `json:"parse_stats,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Progress is the counter snapshot persisted after every chunk.
type Progress struct {
	Processed  int
	Imported   int
	Duplicated int
	Errored    int
}

// UserFile is an uploaded report kept in file storage.
type UserFile struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	FileName       string
	MimeType       string
	SizeBytes      int64
	ChecksumSHA256 *string
	StorageKey     string
	CreatedAt      time.Time
}

// TransactionRow is one transaction ready for insertion, amounts in cents.
type TransactionRow struct {
	Date              time.Time
	OrderID           *string
	Type              string
	Description       string
	GrossCents        int64
	FeesCents         int64
	TaxesCents        int64
	OtherCents        int64
	NetCents          int64
	Direction         string
	ExternalReference string
}

// InsertBatch is one chunk of rows sharing tenant, channel and job.
type InsertBatch struct {
	TenantID     uuid.UUID
	Channel      string
	ImportJobID  uuid.UUID
	AccountLabel *string
	CurrencyCode string
	Source       string
	Rows         []TransactionRow
}

// InsertedRow pairs a generated id with the reference of its source row.
type InsertedRow struct {
	ID                uuid.UUID
	ExternalReference string
}

// ImportRepository defines data access operations for imports
type ImportRepository interface {
	// User Files
	CreateUserFile(ctx context.Context, file *UserFile) error
	GetUserFile(ctx context.Context, id uuid.UUID) (*UserFile, error)
	DeleteUserFile(ctx context.Context, id uuid.UUID) error

	// Import Jobs
	CreateImportJob(ctx context.Context, job *ImportJob) error
	GetImportJob(ctx context.Context, tenantID, id uuid.UUID) (*ImportJob, error)
	ListImportJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*ImportJob, error)
	ListPendingJobs(ctx context.Context) ([]*ImportJob, error)
	MarkJobRunning(ctx context.Context, id uuid.UUID, totalRows int, p Progress) error
	UpdateImportJobProgress(ctx context.Context, id uuid.UUID, p Progress) error
	FinishImportJob(ctx context.Context, id uuid.UUID, status JobStatus, p Progress, errorMessage *string) error
	MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, message string) (int64, error)

	// Transactions
	FindExistingReferences(ctx context.Context, tenantID uuid.UUID, channel string, refs []string) ([]string, error)
	InsertTransactions(ctx context.Context, batch InsertBatch) ([]InsertedRow, error)
}
