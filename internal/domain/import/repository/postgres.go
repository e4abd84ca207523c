package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements ImportRepository on PostgreSQL
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a new import repository
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ ImportRepository = (*PostgresRepository)(nil)

const jobColumns = `id, tenant_id, channel, account_label, source_filename, source_kind, file_id,
	total_rows, rows_processed, rows_imported, rows_duplicated, rows_errored,
	status, error_message, parse_stats, created_at, started_at, finished_at, updated_at`

func (r *PostgresRepository) CreateUserFile(ctx context.Context, file *UserFile) error {
	query := `
		INSERT INTO user_files (tenant_id, file_name, mime_type, size_bytes, checksum_sha256, storage_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		file.TenantID,
		file.FileName,
		file.MimeType,
		file.SizeBytes,
		file.ChecksumSHA256,
		file.StorageKey,
	).Scan(&file.ID, &file.CreatedAt)
}

// DeleteUserFile removes a file record that no job references.
func (r *PostgresRepository) DeleteUserFile(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM user_files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete user file: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetUserFile(ctx context.Context, id uuid.UUID) (*UserFile, error) {
	query := `
		SELECT id, tenant_id, file_name, mime_type, size_bytes, checksum_sha256, storage_key, created_at
		FROM user_files
		WHERE id = $1
	`
	var f UserFile
	err := r.db.QueryRow(ctx, query, id).Scan(
		&f.ID, &f.TenantID, &f.FileName, &f.MimeType, &f.SizeBytes,
		&f.ChecksumSHA256, &f.StorageKey, &f.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *PostgresRepository) CreateImportJob(ctx context.Context, job *ImportJob) error {
	if job.Status == "" {
		job.Status = StatusPending
	}
	query := `
		INSERT INTO import_jobs (tenant_id, channel, account_label, source_filename, source_kind, file_id,
			total_rows, status, parse_stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		job.TenantID,
		job.Channel,
		job.AccountLabel,
		job.SourceFilename,
		job.SourceKind,
		job.FileID,
		job.TotalRows,
		job.Status,
		job.ParseStats,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
}

func (r *PostgresRepository) GetImportJob(ctx context.Context, tenantID, id uuid.UUID) (*ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1 AND tenant_id = $2`
	job, err := scanJob(r.db.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *PostgresRepository) ListImportJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*ImportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresRepository) ListPendingJobs(ctx context.Context) ([]*ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE status = 'pending' ORDER BY created_at`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// MarkJobRunning moves a pending job to running with its opening counters.
// A job in any other state is left untouched and ErrJobNotTransition is returned.
func (r *PostgresRepository) MarkJobRunning(ctx context.Context, id uuid.UUID, totalRows int, p Progress) error {
	query := `
		UPDATE import_jobs
		SET status = 'running',
			total_rows = $2,
			rows_processed = $3,
			rows_imported = $4,
			rows_duplicated = $5,
			rows_errored = $6,
			started_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id, totalRows, p.Processed, p.Imported, p.Duplicated, p.Errored)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	return nil
}

// UpdateImportJobProgress persists the counters. GREATEST keeps
// rows_processed from moving backwards.
func (r *PostgresRepository) UpdateImportJobProgress(ctx context.Context, id uuid.UUID, p Progress) error {
	query := `
		UPDATE import_jobs
		SET rows_processed = GREATEST(rows_processed, $2),
			rows_imported = $3,
			rows_duplicated = $4,
			rows_errored = $5,
			updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	tag, err := r.db.Exec(ctx, query, id, p.Processed, p.Imported, p.Duplicated, p.Errored)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	return nil
}

// FinishImportJob seals a job. Only non-terminal jobs can be finished, so
// a job is sealed exactly once.
func (r *PostgresRepository) FinishImportJob(ctx context.Context, id uuid.UUID, status JobStatus, p Progress, errorMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish import job: %q is not a terminal status", status)
	}
	query := `
		UPDATE import_jobs
		SET status = $2,
			rows_processed = total_rows,
			rows_imported = $3,
			rows_duplicated = $4,
			rows_errored = $5 + GREATEST(total_rows - $6, 0),
			error_message = $7,
			finished_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
	`
	tag, err := r.db.Exec(ctx, query, id, status, p.Imported, p.Duplicated, p.Errored, p.Processed, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotTransition, id)
	}
	return nil
}

// MarkStaleJobsFailed fails running jobs with no progress since olderThan.
// Rows they never reached are counted as errored.
func (r *PostgresRepository) MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	query := `
		UPDATE import_jobs
		SET status = 'failed',
			rows_errored = rows_errored + GREATEST(total_rows - rows_processed, 0),
			rows_processed = total_rows,
			error_message = $2,
			finished_at = now(),
			updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`
	tag, err := r.db.Exec(ctx, query, olderThan, message)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) FindExistingReferences(ctx context.Context, tenantID uuid.UUID, channel string, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	query := `
		SELECT external_reference
		FROM marketplace_transactions
		WHERE tenant_id = $1 AND channel = $2 AND external_reference = ANY($3)
	`
	rows, err := r.db.Query(ctx, query, tenantID, channel, refs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		found = append(found, ref)
	}
	return found, rows.Err()
}

// InsertTransactions writes one chunk in a single statement. Either every
// row is inserted or none is; a duplicate reference fails the whole chunk
// with SQLSTATE 23505.
func (r *PostgresRepository) InsertTransactions(ctx context.Context, batch InsertBatch) ([]InsertedRow, error) {
	if len(batch.Rows) == 0 {
		return nil, nil
	}

	n := len(batch.Rows)
	var (
		dates     = make([]time.Time, n)
		orders    = make([]*string, n)
		types     = make([]string, n)
		descs     = make([]string, n)
		gross     = make([]int64, n)
		fees      = make([]int64, n)
		taxes     = make([]int64, n)
		other     = make([]int64, n)
		net       = make([]int64, n)
		direction = make([]string, n)
		refs      = make([]string, n)
	)
	for i, row := range batch.Rows {
		dates[i] = row.Date
		orders[i] = row.OrderID
		types[i] = row.Type
		descs[i] = row.Description
		gross[i] = row.GrossCents
		fees[i] = row.FeesCents
		taxes[i] = row.TaxesCents
		other[i] = row.OtherCents
		net[i] = row.NetCents
		direction[i] = row.Direction
		refs[i] = row.ExternalReference
	}

	query := `
		INSERT INTO marketplace_transactions (
			tenant_id, channel, import_job_id, account_label, currency_code, source, status,
			transaction_date, order_id, transaction_type, description,
			gross_cents, fees_cents, taxes_cents, other_deductions_cents, net_cents,
			direction, external_reference
		)
		SELECT $1, $2, $3, $4, $5, $6, 'imported',
			t.transaction_date, t.order_id, t.transaction_type, t.description,
			t.gross, t.fees, t.taxes, t.other, t.net,
			t.direction, t.external_reference
		FROM unnest(
			$7::date[], $8::text[], $9::text[], $10::text[],
			$11::bigint[], $12::bigint[], $13::bigint[], $14::bigint[], $15::bigint[],
			$16::text[], $17::text[]
		) AS t(transaction_date, order_id, transaction_type, description,
			gross, fees, taxes, other, net, direction, external_reference)
		RETURNING id, external_reference
	`
	rows, err := r.db.Query(ctx, query,
		batch.TenantID, batch.Channel, batch.ImportJobID, batch.AccountLabel, batch.CurrencyCode, batch.Source,
		dates, orders, types, descs,
		gross, fees, taxes, other, net,
		direction, refs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inserted := make([]InsertedRow, 0, n)
	for rows.Next() {
		var row InsertedRow
		if err := rows.Scan(&row.ID, &row.ExternalReference); err != nil {
			return nil, err
		}
		inserted = append(inserted, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func scanJob(row pgx.Row) (*ImportJob, error) {
	var job ImportJob
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.Channel,
		&job.AccountLabel,
		&job.SourceFilename,
		&job.SourceKind,
		&job.FileID,
		&job.TotalRows,
		&job.RowsProcessed,
		&job.RowsImported,
		&job.RowsDuplicated,
		&job.RowsErrored,
		&job.Status,
		&job.ErrorMessage,
		&job.ParseStats,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*ImportJob, error) {
	defer rows.Close()
	var jobs []*ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
