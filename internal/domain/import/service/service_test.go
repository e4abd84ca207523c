package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/worker"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/lineitem"
	"github.com/FACorreiaa/marketplace-ledger/pkg/money"
	"github.com/FACorreiaa/marketplace-ledger/pkg/storage"
)

type fakeQueue struct {
	tasks []worker.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task worker.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) last(t *testing.T) worker.Task {
	t.Helper()
	require.NotEmpty(t, q.tasks)
	return q.tasks[len(q.tasks)-1]
}

// flakyRepo fails selected insert calls (1-based) with the given errors.
type flakyRepo struct {
	*repository.MemoryRepository
	insertCalls    int
	insertErrors   map[int]error
	progressErr    error
	progressCalls  int
	failProgressAt int
	createJobErr   error
	files          []*repository.UserFile
}

func (r *flakyRepo) CreateUserFile(ctx context.Context, file *repository.UserFile) error {
	if err := r.MemoryRepository.CreateUserFile(ctx, file); err != nil {
		return err
	}
	r.files = append(r.files, file)
	return nil
}

func (r *flakyRepo) CreateImportJob(ctx context.Context, job *repository.ImportJob) error {
	if r.createJobErr != nil {
		return r.createJobErr
	}
	return r.MemoryRepository.CreateImportJob(ctx, job)
}

func (r *flakyRepo) InsertTransactions(ctx context.Context, batch repository.InsertBatch) ([]repository.InsertedRow, error) {
	r.insertCalls++
	if err, ok := r.insertErrors[r.insertCalls]; ok {
		return nil, err
	}
	return r.MemoryRepository.InsertTransactions(ctx, batch)
}

func (r *flakyRepo) UpdateImportJobProgress(ctx context.Context, id uuid.UUID, p repository.Progress) error {
	r.progressCalls++
	if r.progressErr != nil && r.progressCalls == r.failProgressAt {
		return r.progressErr
	}
	return r.MemoryRepository.UpdateImportJobProgress(ctx, id, p)
}

type fakeCategorizer struct {
	ids []uuid.UUID
	err error
}

func (c *fakeCategorizer) CategorizeTransactions(_ context.Context, _ uuid.UUID, ids []uuid.UUID) (int, error) {
	c.ids = append(c.ids, ids...)
	return len(ids), c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc    *ImportService
	repo   *repository.MemoryRepository
	queue  *fakeQueue
	files  *storage.MemoryStorage
	tenant uuid.UUID
}

func newFixture(t *testing.T, repo repository.ImportRepository, mem *repository.MemoryRepository, chunkSize int) *fixture {
	t.Helper()
	queue := &fakeQueue{}
	files := storage.NewMemoryStorage()
	svc := NewImportService(repo, files, queue, Options{ChunkSize: chunkSize, LookupChunkSize: 100}, testLogger())
	return &fixture{svc: svc, repo: mem, queue: queue, files: files, tenant: uuid.New()}
}

func newMemoryFixture(t *testing.T, chunkSize int) *fixture {
	mem := repository.NewMemoryRepository()
	return newFixture(t, mem, mem, chunkSize)
}

func (f *fixture) submit(t *testing.T, channel, filename, body string) *SubmitResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), SubmitRequest{
		TenantID:     f.tenant,
		Channel:      channel,
		AccountLabel: "Loja principal",
		Filename:     filename,
		ContentType:  "text/csv",
		Data:         []byte(body),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *repository.ImportJob {
	t.Helper()
	job, err := f.svc.GetJob(context.Background(), f.tenant, id)
	require.NoError(t, err)
	return job
}

const oneSale = "date,desc,net\n2024-11-01,Venda,100.00\n"

func TestSubmit_IdenticalRowsInBatch(t *testing.T) {
	f := newMemoryFixture(t, 500)

	res := f.submit(t, "outro", "vendas.csv", "date,desc,net\n2024-11-01,Venda,100.00\n2024-11-01,Venda,100.00\n")
	assert.Equal(t, 1, res.Novel)
	assert.Equal(t, 1, res.InBatchDuplicates)
	assert.Zero(t, res.StoredDuplicates)
	assert.Equal(t, repository.StatusPending, res.Job.Status)
	assert.Equal(t, 2, res.Job.TotalRows)
	assert.Equal(t, "Loja principal", *res.Job.AccountLabel)

	require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))

	job := f.job(t, res.Job.ID)
	assert.Equal(t, repository.StatusConcluded, job.Status)
	assert.Equal(t, 1, job.RowsImported)
	assert.Equal(t, 1, job.RowsDuplicated)
	assert.Zero(t, job.RowsErrored)
	assert.Equal(t, 2, job.RowsProcessed)

	txs := f.repo.Transactions(f.tenant)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(10000), txs[0].NetCents)
	assert.Equal(t, repository.SourceDelimitedText, txs[0].Source)
	assert.Equal(t, repository.StatusImported, txs[0].Status)
	assert.Equal(t, "BRL", txs[0].CurrencyCode)
}

func TestSubmit_ReuploadIsAllDuplicates(t *testing.T) {
	f := newMemoryFixture(t, 500)

	first := f.submit(t, "outro", "vendas.csv", oneSale)
	require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))
	assert.Equal(t, 1, f.job(t, first.Job.ID).RowsImported)

	second := f.submit(t, "outro", "vendas.csv", oneSale)
	assert.Zero(t, second.Novel)
	assert.Equal(t, 1, second.StoredDuplicates)

	require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))
	job := f.job(t, second.Job.ID)
	assert.Equal(t, repository.StatusConcluded, job.Status)
	assert.Zero(t, job.RowsImported)
	assert.Equal(t, 1, job.RowsDuplicated)
	assert.Len(t, f.repo.Transactions(f.tenant), 1)
}

func TestSubmit_EmptyRowNotCounted(t *testing.T) {
	f := newMemoryFixture(t, 500)

	res := f.submit(t, "outro", "vendas.csv", oneSale+",,\n")
	assert.Equal(t, 1, res.Stats.EmptyRows)
	assert.Equal(t, 1, res.Stats.Generated)
	assert.Equal(t, 1, res.Job.TotalRows)
	assert.JSONEq(t, `{"total_rows":2,"generated":1,"empty_rows":1,"discarded_rows":0,"zero_net_rows":0,"in_batch_duplicates":0,"stored_duplicates":0,"failed_lookups":0}`,
		string(res.Job.ParseStats))
}

func TestProcess_ProgressPersistedPerChunk(t *testing.T) {
	f := newMemoryFixture(t, 500)
	sales := money.NewTestDataGeneratorWithSeed(7).Sales("BRL", 1200)

	res := f.submit(t, "outro", "vendas.csv", string(money.GenericCSV(sales)))
	require.Equal(t, 1200, res.Novel)
	require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))

	history := f.repo.ProgressHistory(res.Job.ID)
	var processed []int
	for _, p := range history {
		processed = append(processed, p.Processed)
	}
	// running, three chunks, then the terminal write
	assert.Equal(t, []int{0, 500, 1000, 1200, 1200}, processed)

	job := f.job(t, res.Job.ID)
	assert.Equal(t, repository.StatusConcluded, job.Status)
	assert.Equal(t, 1200, job.TotalRows)
	assert.Equal(t, 1200, job.RowsImported)
	assert.Len(t, f.repo.Transactions(f.tenant), 1200)
}

func TestProcess_FailedChunkDoesNotStopJob(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantDuplicated int
		wantErrored    int
	}{
		{"other error counts as errored", errors.New("connection reset"), 0, 2},
		{"uniqueness violation counts as duplicated", fmt.Errorf("chunk: %w", repository.ErrUniqueViolation), 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := repository.NewMemoryRepository()
			repo := &flakyRepo{MemoryRepository: mem, insertErrors: map[int]error{2: tt.err}}
			f := newFixture(t, repo, mem, 2)

			body := "date,desc,net\n" +
				"2024-11-01,Venda A,10.00\n2024-11-01,Venda B,11.00\n" +
				"2024-11-02,Venda C,12.00\n2024-11-02,Venda D,13.00\n" +
				"2024-11-03,Venda E,14.00\n"
			res := f.submit(t, "outro", "vendas.csv", body)
			require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))

			assert.Equal(t, 3, repo.insertCalls)
			job := f.job(t, res.Job.ID)
			assert.Equal(t, repository.StatusConcluded, job.Status)
			assert.Equal(t, 3, job.RowsImported)
			assert.Equal(t, tt.wantDuplicated, job.RowsDuplicated)
			assert.Equal(t, tt.wantErrored, job.RowsErrored)
			assert.Equal(t, 5, job.RowsProcessed)
		})
	}
}

func TestProcess_FailsWhenProgressCannotBeWritten(t *testing.T) {
	mem := repository.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem, progressErr: errors.New("db down"), failProgressAt: 1}
	f := newFixture(t, repo, mem, 1)

	res := f.submit(t, "outro", "vendas.csv", "date,desc,net\n2024-11-01,Venda A,10.00\n2024-11-01,Venda B,11.00\n")
	err := f.svc.Process(context.Background(), f.queue.last(t))
	require.Error(t, err)

	job := f.job(t, res.Job.ID)
	assert.Equal(t, repository.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "db down")
	assert.Equal(t, job.TotalRows, job.RowsProcessed)
	assert.Equal(t, 1, job.RowsImported)
	assert.Equal(t, 1, job.RowsErrored)
}

func TestProcess_RecoveredTaskReadsStoredUpload(t *testing.T) {
	f := newMemoryFixture(t, 500)
	res := f.submit(t, "", "vendas.csv", oneSale)

	task := f.queue.last(t)
	task.Prepared = nil
	require.NoError(t, f.svc.Process(context.Background(), task))

	job := f.job(t, res.Job.ID)
	assert.Equal(t, repository.StatusConcluded, job.Status)
	assert.Equal(t, 1, job.RowsImported)
}

func TestProcess_RecoveredTaskWithoutFileFails(t *testing.T) {
	f := newMemoryFixture(t, 500)
	res := f.submit(t, "outro", "vendas.csv", oneSale)

	task := f.queue.last(t)
	task.Prepared = nil
	task.FileID = nil
	require.Error(t, f.svc.Process(context.Background(), task))
	assert.Equal(t, repository.StatusFailed, f.job(t, res.Job.ID).Status)
}

func TestProcess_SkipsJobThatIsNoLongerPending(t *testing.T) {
	f := newMemoryFixture(t, 500)
	f.submit(t, "outro", "vendas.csv", oneSale)
	task := f.queue.last(t)

	require.NoError(t, f.svc.Process(context.Background(), task))
	require.NoError(t, f.svc.Process(context.Background(), task))
	assert.Len(t, f.repo.Transactions(f.tenant), 1)
}

func TestSubmit_RejectsUnsupportedUploads(t *testing.T) {
	f := newMemoryFixture(t, 500)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		TenantID: f.tenant,
		Filename: "foto.png",
		Data:     []byte{0x89, 'P', 'N', 'G', 0x00, 0x00, 0x01},
	})
	assert.True(t, parser.IsUnsupportedFormat(err))

	_, err = f.svc.Submit(context.Background(), SubmitRequest{
		TenantID: f.tenant,
		Channel:  "magalu",
		Filename: "vendas.csv",
		Data:     []byte(oneSale),
	})
	assert.ErrorIs(t, err, parser.ErrUnknownChannel)

	jobs, err := f.svc.ListJobs(context.Background(), f.tenant, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, f.queue.tasks)
}

func TestSubmit_EnqueueFailureLeavesJobPending(t *testing.T) {
	f := newMemoryFixture(t, 500)
	f.queue.err = worker.ErrPoolClosed

	res := f.submit(t, "outro", "vendas.csv", oneSale)
	pending, err := f.repo.ListPendingJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Job.ID, pending[0].ID)

	// Recovery needs the upload, so it stays.
	file, err := f.repo.GetUserFile(context.Background(), *res.Job.FileID)
	require.NoError(t, err)
	data, err := storage.ReadAll(context.Background(), f.files, file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, oneSale, string(data))
}

func TestSubmit_JobCreationFailureDiscardsUpload(t *testing.T) {
	mem := repository.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem, createJobErr: errors.New("connection reset")}
	f := newFixture(t, repo, mem, 500)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		TenantID: f.tenant,
		Channel:  "outro",
		Filename: "vendas.csv",
		Data:     []byte(oneSale),
	})
	require.Error(t, err)
	assert.Empty(t, f.queue.tasks)

	require.Len(t, repo.files, 1)
	stored := repo.files[0]
	_, err = mem.GetUserFile(context.Background(), stored.ID)
	assert.ErrorIs(t, err, repository.ErrFileNotFound)
	_, err = f.files.Open(context.Background(), stored.StorageKey)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
}

func TestHooks_CategorizeAndMaterializeItems(t *testing.T) {
	f := newMemoryFixture(t, 500)
	cat := &fakeCategorizer{err: errors.New("rules unavailable")}
	items := lineitem.NewMemoryStore()
	productID := uuid.New()
	items.MapProduct(f.tenant, "shopee", "SKU-A", productID)
	f.svc.WithCategorizer(cat).WithLineItems(items)

	body := strings.Join([]string{
		"ID do pedido,Status do pedido,Data de criação do pedido,Nº de referência do SKU principal,Nome do produto,Preço acordado,Quantidade,Subtotal do produto,Taxa de comissão,Taxa de serviço,Taxa de transação,Cupom do vendedor",
		"2411010001,Concluído,2024-11-01 10:00,SKU-A,Caneca,30.00,2,60.00,7.20,3.00,1.20,5.00",
		"2411010001,Concluído,2024-11-01 10:00,SKU-B,Copo,20.00,1,20.00,7.20,3.00,1.20,5.00",
	}, "\n")
	res := f.submit(t, "shopee", "pedidos.csv", body)
	require.NoError(t, f.svc.Process(context.Background(), f.queue.last(t)))

	assert.Equal(t, repository.StatusConcluded, f.job(t, res.Job.ID).Status)

	txs := f.repo.Transactions(f.tenant)
	require.Len(t, txs, 1)
	assert.Equal(t, []uuid.UUID{txs[0].ID}, cat.ids)

	stored := items.Items(f.tenant)
	require.Len(t, stored, 2)
	assert.Equal(t, txs[0].ID, stored[0].TransactionID)
	assert.Equal(t, int64(3000), stored[0].UnitPriceCents)
	require.NotNil(t, stored[0].ProductID)
	assert.Equal(t, productID, *stored[0].ProductID)
	assert.Nil(t, stored[1].ProductID)
}

func TestProcess_LogsRowsThatDoNotReconcile(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	repo := repository.NewMemoryRepository()
	queue := &fakeQueue{}
	svc := NewImportService(repo, storage.NewMemoryStorage(), queue, Options{}, logger)
	tenant := uuid.New()

	body := "date,description,gross,fee,net\n2024-11-01,Venda A,100.00,10.00,95.00\n2024-11-02,Venda B,100.00,10.00,90.00\n"
	res, err := svc.Submit(context.Background(), SubmitRequest{TenantID: tenant, Channel: "outro", Filename: "vendas.csv", Data: []byte(body)})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), queue.last(t)))

	job, err := svc.GetJob(context.Background(), tenant, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.RowsImported)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "transaction does not reconcile"))
	assert.Contains(t, out, "Venda A")
	assert.Contains(t, out, "rows=1")

	stored := repo.Transactions(tenant)
	require.Len(t, stored, 2)
	nets := []int64{stored[0].NetCents, stored[1].NetCents}
	assert.ElementsMatch(t, []int64{9500, 9000}, nets)
}
