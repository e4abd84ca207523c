package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	tenantID := uuid.New()

	job := &ImportJob{TenantID: tenantID, Channel: "outro", SourceFilename: "vendas.csv", TotalRows: 3}
	require.NoError(t, repo.CreateImportJob(ctx, job))
	assert.Equal(t, StatusPending, job.Status)

	pending, err := repo.ListPendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkJobRunning(ctx, job.ID, 3, Progress{Processed: 1, Duplicated: 1}))
	assert.ErrorIs(t, repo.MarkJobRunning(ctx, job.ID, 3, Progress{}), ErrJobNotTransition)

	require.NoError(t, repo.UpdateImportJobProgress(ctx, job.ID, Progress{Processed: 3, Imported: 2, Duplicated: 1}))
	require.NoError(t, repo.FinishImportJob(ctx, job.ID, StatusConcluded, Progress{Processed: 3, Imported: 2, Duplicated: 1}, nil))
	assert.ErrorIs(t, repo.FinishImportJob(ctx, job.ID, StatusFailed, Progress{}, nil), ErrJobNotTransition)

	got, err := repo.GetImportJob(ctx, tenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConcluded, got.Status)
	assert.Equal(t, 3, got.RowsProcessed)
	assert.Equal(t, 2, got.RowsImported)
	assert.NotNil(t, got.FinishedAt)

	_, err = repo.GetImportJob(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryRepository_ProgressNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	job := &ImportJob{TenantID: uuid.New(), Channel: "outro", TotalRows: 10}
	require.NoError(t, repo.CreateImportJob(ctx, job))
	require.NoError(t, repo.MarkJobRunning(ctx, job.ID, 10, Progress{}))

	require.NoError(t, repo.UpdateImportJobProgress(ctx, job.ID, Progress{Processed: 6}))
	require.NoError(t, repo.UpdateImportJobProgress(ctx, job.ID, Progress{Processed: 4}))

	history := repo.ProgressHistory(job.ID)
	require.Len(t, history, 3)
	assert.Equal(t, 6, history[2].Processed)
}

func TestMemoryRepository_FailedJobCountsRemainingRowsAsErrored(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	tenantID := uuid.New()
	job := &ImportJob{TenantID: tenantID, Channel: "outro", TotalRows: 1200}
	require.NoError(t, repo.CreateImportJob(ctx, job))
	require.NoError(t, repo.MarkJobRunning(ctx, job.ID, 1200, Progress{}))

	msg := "boom"
	require.NoError(t, repo.FinishImportJob(ctx, job.ID, StatusFailed, Progress{Processed: 500, Imported: 500}, &msg))

	got, err := repo.GetImportJob(ctx, tenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200, got.RowsProcessed)
	assert.Equal(t, 700, got.RowsErrored)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestMemoryRepository_InsertEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	batch := testBatch()

	inserted, err := repo.InsertTransactions(ctx, batch)
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	found, err := repo.FindExistingReferences(ctx, batch.TenantID, batch.Channel, []string{"ref-1", "ref-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ref-1"}, found)

	// the whole chunk is rejected when one reference exists
	again := testBatch()
	again.TenantID = batch.TenantID
	again.Rows[1].ExternalReference = "ref-3"
	_, err = repo.InsertTransactions(ctx, again)
	assert.True(t, IsUniqueViolation(err))
	assert.Len(t, repo.Transactions(batch.TenantID), 2)

	// another channel is a separate namespace
	again.Channel = "shopee"
	_, err = repo.InsertTransactions(ctx, again)
	assert.NoError(t, err)

	rows := repo.Transactions(batch.TenantID)
	require.Len(t, rows, 4)
	assert.Equal(t, StatusImported, rows[0].Status)
	assert.Equal(t, SourceDelimitedText, rows[0].Source)
}

func TestMemoryRepository_MarkStaleJobsFailed(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	start := time.Date(2024, 11, 1, 10, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return start })

	tenantID := uuid.New()
	stale := &ImportJob{TenantID: tenantID, Channel: "outro", TotalRows: 10}
	pending := &ImportJob{TenantID: tenantID, Channel: "outro", TotalRows: 5}
	require.NoError(t, repo.CreateImportJob(ctx, stale))
	require.NoError(t, repo.CreateImportJob(ctx, pending))
	require.NoError(t, repo.MarkJobRunning(ctx, stale.ID, 10, Progress{}))
	require.NoError(t, repo.UpdateImportJobProgress(ctx, stale.ID, Progress{Processed: 4, Imported: 4}))

	repo.SetClock(func() time.Time { return start.Add(3 * time.Hour) })
	n, err := repo.MarkStaleJobsFailed(ctx, start.Add(time.Hour), "stale: no progress for 2h0m0s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetImportJob(ctx, tenantID, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 10, got.RowsProcessed)
	assert.Equal(t, 6, got.RowsErrored)
	assert.Equal(t, 4, got.RowsImported)

	untouched, err := repo.GetImportJob(ctx, tenantID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, untouched.Status)
}

func TestMemoryRepository_ListImportJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	tenantID := uuid.New()
	base := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		repo.SetClock(func() time.Time { return base.Add(time.Duration(i) * time.Minute) })
		require.NoError(t, repo.CreateImportJob(ctx, &ImportJob{TenantID: tenantID, Channel: "outro", SourceFilename: "f"}))
	}
	require.NoError(t, repo.CreateImportJob(ctx, &ImportJob{TenantID: uuid.New(), Channel: "outro"}))

	jobs, err := repo.ListImportJobs(ctx, tenantID, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))
}

func TestMemoryRepository_UserFiles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	file := &UserFile{TenantID: uuid.New(), FileName: "vendas.csv", StorageKey: "k"}
	require.NoError(t, repo.CreateUserFile(ctx, file))

	got, err := repo.GetUserFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "vendas.csv", got.FileName)

	require.NoError(t, repo.DeleteUserFile(ctx, file.ID))
	_, err = repo.GetUserFile(ctx, file.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}
