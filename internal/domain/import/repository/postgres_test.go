package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresRepository(mock)
}

var jobColumnNames = []string{
	"id", "tenant_id", "channel", "account_label", "source_filename", "source_kind", "file_id",
	"total_rows", "rows_processed", "rows_imported", "rows_duplicated", "rows_errored",
	"status", "error_message", "parse_stats", "created_at", "started_at", "finished_at", "updated_at",
}

// ============================================================================
// Error classification
// ============================================================================

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped pg unique violation", errors.Join(errors.New("chunk 2"), &pgconn.PgError{Code: "23505"}), true},
		{"pg foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"memory sentinel", ErrUniqueViolation, true},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusConcluded.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

// ============================================================================
// Import jobs
// ============================================================================

func TestPostgresRepository_CreateImportJob(t *testing.T) {
	mock, repo := newMock(t)

	jobID := uuid.New()
	now := time.Now()
	job := &ImportJob{
		TenantID:       uuid.New(),
		Channel:        "outro",
		AccountLabel:   strPtr("Loja principal"),
		SourceFilename: "vendas.csv",
		SourceKind:     SourceDelimitedText,
		TotalRows:      3,
		ParseStats:     json.RawMessage(`{"total_rows":3}`),
	}

	mock.ExpectQuery(`INSERT INTO import_jobs`).
		WithArgs(job.TenantID, "outro", job.AccountLabel, "vendas.csv", SourceDelimitedText, job.FileID, 3, StatusPending, job.ParseStats).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(jobID, now, now))

	require.NoError(t, repo.CreateImportJob(context.Background(), job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetImportJob(t *testing.T) {
	mock, repo := newMock(t)
	tenantID, jobID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, tenant_id, channel`).
		WithArgs(jobID, tenantID).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			jobID, tenantID, "shopee", nil, "pedidos.xlsx", SourceSpreadsheet, nil,
			1200, 500, 500, 0, 0,
			StatusRunning, nil, json.RawMessage(`{}`), now, &now, nil, now,
		))

	job, err := repo.GetImportJob(context.Background(), tenantID, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 1200, job.TotalRows)
	assert.Equal(t, 500, job.RowsProcessed)
	assert.Nil(t, job.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetImportJob_NotFound(t *testing.T) {
	mock, repo := newMock(t)
	tenantID, jobID := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT id, tenant_id, channel`).
		WithArgs(jobID, tenantID).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetImportJob(context.Background(), tenantID, jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgresRepository_MarkJobRunning(t *testing.T) {
	mock, repo := newMock(t)
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE import_jobs`).
		WithArgs(jobID, 10, 2, 0, 2, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.MarkJobRunning(context.Background(), jobID, 10, Progress{Processed: 2, Duplicated: 2}))

	mock.ExpectExec(`UPDATE import_jobs`).
		WithArgs(jobID, 10, 0, 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.MarkJobRunning(context.Background(), jobID, 10, Progress{})
	assert.ErrorIs(t, err, ErrJobNotTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateImportJobProgress(t *testing.T) {
	mock, repo := newMock(t)
	jobID := uuid.New()

	mock.ExpectExec(`SET rows_processed = GREATEST`).
		WithArgs(jobID, 500, 480, 20, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.UpdateImportJobProgress(context.Background(), jobID, Progress{Processed: 500, Imported: 480, Duplicated: 20})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FinishImportJob(t *testing.T) {
	mock, repo := newMock(t)
	jobID := uuid.New()
	msg := strPtr("job record unavailable")

	mock.ExpectExec(`UPDATE import_jobs`).
		WithArgs(jobID, StatusFailed, 500, 0, 0, 500, msg).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.FinishImportJob(context.Background(), jobID, StatusFailed, Progress{Processed: 500, Imported: 500}, msg)
	require.NoError(t, err)

	err = repo.FinishImportJob(context.Background(), jobID, StatusRunning, Progress{}, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MarkStaleJobsFailed(t *testing.T) {
	mock, repo := newMock(t)
	cutoff := time.Now().Add(-2 * time.Hour)

	mock.ExpectExec(`WHERE status = 'running' AND updated_at < \$1`).
		WithArgs(cutoff, "stale").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.MarkStaleJobsFailed(context.Background(), cutoff, "stale")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Transactions
// ============================================================================

func TestPostgresRepository_FindExistingReferences(t *testing.T) {
	mock, repo := newMock(t)
	tenantID := uuid.New()
	refs := []string{"outro_2024-11-01__Venda_100.00", "outro_2024-11-02__Venda_50.00"}

	mock.ExpectQuery(`external_reference = ANY\(\$3\)`).
		WithArgs(tenantID, "outro", refs).
		WillReturnRows(pgxmock.NewRows([]string{"external_reference"}).AddRow(refs[0]))

	found, err := repo.FindExistingReferences(context.Background(), tenantID, "outro", refs)
	require.NoError(t, err)
	assert.Equal(t, []string{refs[0]}, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FindExistingReferences_Empty(t *testing.T) {
	mock, repo := newMock(t)

	found, err := repo.FindExistingReferences(context.Background(), uuid.New(), "outro", nil)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testBatch() InsertBatch {
	date := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	return InsertBatch{
		TenantID:     uuid.New(),
		Channel:      "outro",
		ImportJobID:  uuid.New(),
		CurrencyCode: "BRL",
		Source:       SourceDelimitedText,
		Rows: []TransactionRow{
			{Date: date, Description: "Venda", GrossCents: 10000, NetCents: 10000, Direction: "credit", ExternalReference: "ref-1"},
			{Date: date, OrderID: strPtr("2000001"), Description: "Venda", GrossCents: 5000, NetCents: 5000, Direction: "credit", ExternalReference: "ref-2"},
		},
	}
}

func TestPostgresRepository_InsertTransactions(t *testing.T) {
	mock, repo := newMock(t)
	batch := testBatch()
	id1, id2 := uuid.New(), uuid.New()

	args := make([]any, 17)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectQuery(`INSERT INTO marketplace_transactions`).
		WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "external_reference"}).
			AddRow(id1, "ref-1").
			AddRow(id2, "ref-2"))

	inserted, err := repo.InsertTransactions(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.Equal(t, InsertedRow{ID: id1, ExternalReference: "ref-1"}, inserted[0])
	assert.Equal(t, InsertedRow{ID: id2, ExternalReference: "ref-2"}, inserted[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_InsertTransactions_UniqueViolation(t *testing.T) {
	mock, repo := newMock(t)

	args := make([]any, 17)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectQuery(`INSERT INTO marketplace_transactions`).
		WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "marketplace_transactions_reference_key"})

	_, err := repo.InsertTransactions(context.Background(), testBatch())
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestPostgresRepository_InsertTransactions_EmptyBatch(t *testing.T) {
	mock, repo := newMock(t)

	inserted, err := repo.InsertTransactions(context.Background(), InsertBatch{})
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteUserFile(t *testing.T) {
	mock, repo := newMock(t)
	fileID := uuid.New()

	mock.ExpectExec(`DELETE FROM user_files`).
		WithArgs(fileID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, repo.DeleteUserFile(context.Background(), fileID))

	mock.ExpectExec(`DELETE FROM user_files`).
		WithArgs(fileID).
		WillReturnError(errors.New("connection reset"))
	assert.Error(t, repo.DeleteUserFile(context.Background(), fileID))

	assert.NoError(t, mock.ExpectationsWereMet())
}
