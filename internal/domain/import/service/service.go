// Package service provides the import orchestration logic.
//
// An import has two phases. Submit runs while the caller waits: it stores
// the upload, parses it, resolves duplicates and creates a pending job.
// Process runs on the worker pool: it inserts the novel transactions in
// fixed-size chunks, persisting progress after each one, then runs the
// post-insert hooks and finishes the job.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/dedup"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/sniffer"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/worker"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/lineitem"
	"github.com/FACorreiaa/marketplace-ledger/pkg/money"
	"github.com/FACorreiaa/marketplace-ledger/pkg/storage"
)

const (
	DefaultChunkSize = 500
	DefaultCurrency  = "BRL"
)

var tracer = otel.Tracer("marketplace-ledger/import")

// Queue accepts jobs for background processing.
type Queue interface {
	Enqueue(ctx context.Context, task worker.Task) error
}

// Categorizer assigns categories to freshly inserted transactions.
type Categorizer interface {
	CategorizeTransactions(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int, error)
}

// Options tunes the import pipeline.
type Options struct {
	ChunkSize       int
	LookupChunkSize int
	Currency        string
}

// SubmitRequest is one upload as received from the caller.
type SubmitRequest struct {
	TenantID     uuid.UUID
	Channel      string // empty means detect from headers
	AccountLabel string
	Filename     string
	ContentType  string
	Data         []byte
}

// SubmitResult is returned to the caller once the job is queued.
type SubmitResult struct {
	Job               *repository.ImportJob `json:"job"`
	Stats             parser.Statistics     `json:"stats"`
	Novel             int                   `json:"novel"`
	InBatchDuplicates int                   `json:"in_batch_duplicates"`
	StoredDuplicates  int                   `json:"stored_duplicates"`
	FailedLookups     int                   `json:"failed_lookups"`
}

// jobStats is stored with the job so the polling API can report it.
type jobStats struct {
	parser.Statistics
	InBatchDuplicates int `json:"in_batch_duplicates"`
	StoredDuplicates  int `json:"stored_duplicates"`
	FailedLookups     int `json:"failed_lookups"`
}

// ImportService orchestrates uploads and background import jobs
type ImportService struct {
	repo        repository.ImportRepository
	files       storage.Storage
	queue       Queue
	resolver    *dedup.Resolver
	categorizer Categorizer   // optional
	items       lineitem.Store // optional
	chunkSize   int
	currency    string
	logger      *slog.Logger
}

// NewImportService creates a new import service
func NewImportService(repo repository.ImportRepository, files storage.Storage, queue Queue, opts Options, logger *slog.Logger) *ImportService {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	return &ImportService{
		repo:      repo,
		files:     files,
		queue:     queue,
		resolver:  dedup.NewResolver(repo, opts.LookupChunkSize, logger),
		chunkSize: opts.ChunkSize,
		currency:  strings.ToUpper(opts.Currency),
		logger:    logger,
	}
}

// WithCategorizer enables the auto-categorization hook
func (s *ImportService) WithCategorizer(c Categorizer) *ImportService {
	s.categorizer = c
	return s
}

// WithLineItems enables line item materialization
func (s *ImportService) WithLineItems(store lineitem.Store) *ImportService {
	s.items = store
	return s
}

// Submit runs the synchronous phase of an import and queues the job.
// Format errors are returned before anything is stored.
func (s *ImportService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "ImportService.Submit", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID.String()),
		attribute.String("filename", req.Filename),
		attribute.Int("size", len(req.Data)),
	))
	defer span.End()

	var channel parser.Channel
	if strings.TrimSpace(req.Channel) != "" {
		c, err := parser.ParseChannel(req.Channel)
		if err != nil {
			span.SetStatus(codes.Error, "unknown channel")
			return nil, &parser.UnsupportedFormatError{
				Filename:    req.Filename,
				ContentType: req.ContentType,
				Reason:      fmt.Sprintf("unknown channel %q", req.Channel),
				Err:         err,
			}
		}
		channel = c
	}

	batch, err := parseUpload(req.Filename, req.ContentType, req.Data, channel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("channel", batch.Channel.String()),
		attribute.Int("generated", len(batch.Transactions)),
	)

	info, err := s.files.Save(ctx, req.TenantID, req.Filename, req.ContentType, req.Data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	// Until the job row exists nothing can reach the upload again.
	var fileRowID uuid.UUID
	jobCreated := false
	defer func() {
		if !jobCreated {
			s.discardUpload(ctx, info.Key, fileRowID)
		}
	}()
	checksum := info.Checksum
	file := &repository.UserFile{
		ID:             info.ID,
		TenantID:       req.TenantID,
		FileName:       req.Filename,
		MimeType:       req.ContentType,
		SizeBytes:      info.Size,
		ChecksumSHA256: &checksum,
		StorageKey:     info.Key,
	}
	if err := s.repo.CreateUserFile(ctx, file); err != nil {
		return nil, fmt.Errorf("create user file: %w", err)
	}
	fileRowID = file.ID

	prepared, err := s.resolve(ctx, req.TenantID, batch)
	if err != nil {
		return nil, err
	}

	statsJSON, err := json.Marshal(jobStats{
		Statistics:        batch.Stats,
		InBatchDuplicates: prepared.Resolution.InBatchDuplicates,
		StoredDuplicates:  prepared.Resolution.StoredDuplicates,
		FailedLookups:     prepared.Resolution.FailedLookups,
	})
	if err != nil {
		return nil, fmt.Errorf("encode parse stats: %w", err)
	}

	var label *string
	if l := strings.TrimSpace(req.AccountLabel); l != "" {
		label = &l
	}
	fileID := file.ID
	job := &repository.ImportJob{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		Channel:        batch.Channel.String(),
		AccountLabel:   label,
		SourceFilename: req.Filename,
		SourceKind:     string(batch.Kind),
		FileID:         &fileID,
		TotalRows:      prepared.Total,
		Status:         repository.StatusPending,
		ParseStats:     statsJSON,
	}
	if err := s.repo.CreateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	jobCreated = true
	span.SetAttributes(attribute.String("job_id", job.ID.String()))

	task := worker.Task{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		Channel:      batch.Channel,
		FileID:       job.FileID,
		AccountLabel: label,
		Filename:     req.Filename,
		Prepared:     prepared,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// The pending row is the durable entry; recovery picks it up.
		s.logger.WarnContext(ctx, "failed to enqueue import job, left pending",
			"job_id", job.ID,
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "import job submitted",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"channel", job.Channel,
		"generated", prepared.Total,
		"novel", len(prepared.Resolution.Novel),
		"duplicates", prepared.Resolution.Duplicates(),
	)

	return &SubmitResult{
		Job:               job,
		Stats:             batch.Stats,
		Novel:             len(prepared.Resolution.Novel),
		InBatchDuplicates: prepared.Resolution.InBatchDuplicates,
		StoredDuplicates:  prepared.Resolution.StoredDuplicates,
		FailedLookups:     prepared.Resolution.FailedLookups,
	}, nil
}

// discardUpload removes an upload whose job was never created. Failures
// are logged only; the caller already has an error to report.
func (s *ImportService) discardUpload(ctx context.Context, key string, fileID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	if fileID != uuid.Nil {
		if err := s.repo.DeleteUserFile(ctx, fileID); err != nil {
			s.logger.WarnContext(ctx, "failed to delete user file record", "file_id", fileID, "error", err)
		}
	}
	if err := s.files.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete stored upload", "key", key, "error", err)
	}
}

// GetJob returns a job snapshot for the tenant
func (s *ImportService) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*repository.ImportJob, error) {
	return s.repo.GetImportJob(ctx, tenantID, jobID)
}

// ListJobs returns the tenant's most recent jobs
func (s *ImportService) ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*repository.ImportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListImportJobs(ctx, tenantID, limit)
}

// Run implements worker.Runner.
func (s *ImportService) Run(ctx context.Context, task worker.Task) {
	if err := s.Process(ctx, task); err != nil {
		s.logger.ErrorContext(ctx, "import job failed",
			"job_id", task.JobID,
			"tenant_id", task.TenantID,
			"channel", task.Channel,
			"error", err,
		)
	}
}

// Process drives one job from pending to a terminal state. Chunk failures
// are counted and never stop the loop; the job is failed only when an error
// escapes it, such as the job record itself not being writable.
func (s *ImportService) Process(ctx context.Context, task worker.Task) error {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "ImportService.Process", trace.WithAttributes(
		attribute.String("job_id", task.JobID.String()),
		attribute.String("channel", task.Channel.String()),
	))
	defer span.End()

	channel := task.Channel.String()
	defer func() {
		jobDuration.WithLabelValues(channel).Observe(time.Since(started).Seconds())
	}()

	var progress repository.Progress

	prepared := task.Prepared
	if prepared == nil {
		p, err := s.prepare(ctx, task)
		if err != nil {
			return s.fail(ctx, span, task, progress, fmt.Errorf("prepare job: %w", err))
		}
		prepared = p
	}

	res := prepared.Resolution
	dups := res.Duplicates()
	progress = repository.Progress{Processed: dups, Duplicated: dups}
	if err := s.repo.MarkJobRunning(ctx, task.JobID, prepared.Total, progress); err != nil {
		if errors.Is(err, repository.ErrJobNotTransition) {
			s.logger.WarnContext(ctx, "import job is no longer pending, skipping", "job_id", task.JobID)
			return nil
		}
		return s.fail(ctx, span, task, progress, fmt.Errorf("mark job running: %w", err))
	}
	rowsTotal.WithLabelValues(channel, outcomeDuplicated).Add(float64(dups))
	span.SetAttributes(
		attribute.Int("total", prepared.Total),
		attribute.Int("novel", len(res.Novel)),
	)

	source := repository.SourceDelimitedText
	if prepared.Kind == sniffer.KindSpreadsheet {
		source = repository.SourceSpreadsheet
	}

	var inserted []repository.InsertedRow
	for chunk, start := 0, 0; start < len(res.Novel); chunk, start = chunk+1, start+s.chunkSize {
		end := min(start+s.chunkSize, len(res.Novel))
		txs := res.Novel[start:end]

		rows, errored, err := s.insertChunk(ctx, task, source, chunk, txs)
		switch {
		case err == nil:
			progress.Imported += len(rows)
			progress.Errored += errored
			inserted = append(inserted, rows...)
			rowsTotal.WithLabelValues(channel, outcomeImported).Add(float64(len(rows)))
			rowsTotal.WithLabelValues(channel, outcomeErrored).Add(float64(errored))
		case repository.IsUniqueViolation(err):
			progress.Duplicated += len(txs)
			rowsTotal.WithLabelValues(channel, outcomeDuplicated).Add(float64(len(txs)))
			s.logger.WarnContext(ctx, "chunk hit uniqueness constraint, counted as duplicated",
				"job_id", task.JobID,
				"chunk", chunk,
				"size", len(txs),
			)
		default:
			progress.Errored += len(txs)
			rowsTotal.WithLabelValues(channel, outcomeErrored).Add(float64(len(txs)))
			s.logger.WarnContext(ctx, "chunk insert failed, counted as errored",
				"job_id", task.JobID,
				"chunk", chunk,
				"size", len(txs),
				"error", err,
			)
		}
		progress.Processed += len(txs)

		if err := s.repo.UpdateImportJobProgress(ctx, task.JobID, progress); err != nil {
			return s.fail(ctx, span, task, progress, fmt.Errorf("persist progress after chunk %d: %w", chunk, err))
		}
	}

	s.runHooks(ctx, task, res.Novel, inserted)

	if err := s.repo.FinishImportJob(ctx, task.JobID, repository.StatusConcluded, progress, nil); err != nil {
		return s.fail(ctx, span, task, progress, fmt.Errorf("conclude job: %w", err))
	}
	jobsTotal.WithLabelValues(channel, string(repository.StatusConcluded)).Inc()

	s.logger.InfoContext(ctx, "import job concluded",
		"job_id", task.JobID,
		"tenant_id", task.TenantID,
		"channel", channel,
		"total", prepared.Total,
		"imported", progress.Imported,
		"duplicated", progress.Duplicated,
		"errored", progress.Errored,
		"duration", time.Since(started),
	)
	return nil
}

// insertChunk converts and inserts one chunk. Rows that cannot be converted
// are reported as errored and left out of the insert.
func (s *ImportService) insertChunk(ctx context.Context, task worker.Task, source string, chunk int, txs []parser.ParsedTransaction) ([]repository.InsertedRow, int, error) {
	ctx, span := tracer.Start(ctx, "ImportService.insertChunk", trace.WithAttributes(
		attribute.String("job_id", task.JobID.String()),
		attribute.Int("chunk", chunk),
		attribute.Int("size", len(txs)),
	))
	defer span.End()

	rows := make([]repository.TransactionRow, 0, len(txs))
	errored, unreconciled := 0, 0
	for _, tx := range txs {
		row, reconciled, err := s.toRow(tx)
		if err != nil {
			errored++
			s.logger.WarnContext(ctx, "skipping unconvertible transaction",
				"job_id", task.JobID,
				"row", tx.SourceRow,
				"error", err,
			)
			continue
		}
		if !reconciled {
			unreconciled++
		}
		rows = append(rows, row)
	}
	if unreconciled > 0 {
		s.logger.InfoContext(ctx, "chunk has rows whose deductions do not add up to net",
			"job_id", task.JobID,
			"chunk", chunk,
			"rows", unreconciled,
		)
	}
	if len(rows) == 0 {
		return nil, errored, nil
	}

	inserted, err := s.repo.InsertTransactions(ctx, repository.InsertBatch{
		TenantID:     task.TenantID,
		Channel:      task.Channel.String(),
		ImportJobID:  task.JobID,
		AccountLabel: task.AccountLabel,
		CurrencyCode: s.currency,
		Source:       source,
		Rows:         rows,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, 0, err
	}
	return inserted, errored, nil
}

// toRow converts a parsed transaction to minor units. The bool reports
// whether gross minus deductions equals net. Rows that do not reconcile are
// still stored.
func (s *ImportService) toRow(tx parser.ParsedTransaction) (repository.TransactionRow, bool, error) {
	date, err := time.Parse(parser.DateLayout, tx.Date)
	if err != nil {
		return repository.TransactionRow{}, false, fmt.Errorf("invalid date %q: %w", tx.Date, err)
	}
	var orderID *string
	if tx.OrderID != "" {
		id := tx.OrderID
		orderID = &id
	}

	b := money.NewBreakdown(s.currency, tx.Gross, tx.Fees, tx.Taxes, tx.OtherDeductions, tx.Net)
	reconciled := b.Reconciles()
	if !reconciled {
		s.logger.Debug("transaction does not reconcile",
			"reference", tx.ExternalReference,
			"row", tx.SourceRow,
			"gross", b.Gross.Display(),
			"net", b.Net.Display(),
		)
	}

	return repository.TransactionRow{
		Date:              date,
		OrderID:           orderID,
		Type:              tx.Type,
		Description:       tx.Description,
		GrossCents:        b.Gross.Amount(),
		FeesCents:         b.Fees.Amount(),
		TaxesCents:        b.Taxes.Amount(),
		OtherCents:        b.OtherDeductions.Amount(),
		NetCents:          b.Net.Amount(),
		Direction:         string(tx.Direction),
		ExternalReference: tx.ExternalReference,
	}, reconciled, nil
}

// fail records a job as failed. The finishing write ignores cancellation of
// ctx so a shutdown does not leave the job running.
func (s *ImportService) fail(ctx context.Context, span trace.Span, task worker.Task, progress repository.Progress, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	msg := cause.Error()
	if err := s.repo.FinishImportJob(context.WithoutCancel(ctx), task.JobID, repository.StatusFailed, progress, &msg); err != nil {
		s.logger.ErrorContext(ctx, "failed to record job failure",
			"job_id", task.JobID,
			"error", err,
		)
	}
	jobsTotal.WithLabelValues(task.Channel.String(), string(repository.StatusFailed)).Inc()
	return cause
}

// prepare rebuilds the parsed batch and duplicate partition of a job
// recovered from storage.
func (s *ImportService) prepare(ctx context.Context, task worker.Task) (*worker.Prepared, error) {
	if task.FileID == nil {
		return nil, errors.New("job has no stored upload")
	}
	file, err := s.repo.GetUserFile(ctx, *task.FileID)
	if err != nil {
		return nil, err
	}
	data, err := storage.ReadAll(ctx, s.files, file.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	var channel parser.Channel
	if task.Channel.Valid() {
		channel = task.Channel
	}
	batch, err := parseUpload(file.FileName, file.MimeType, data, channel)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, task.TenantID, batch)
}

func (s *ImportService) resolve(ctx context.Context, tenantID uuid.UUID, batch *parser.Batch) (*worker.Prepared, error) {
	ctx, span := tracer.Start(ctx, "dedup.Resolve", trace.WithAttributes(
		attribute.String("channel", batch.Channel.String()),
		attribute.Int("size", len(batch.Transactions)),
	))
	defer span.End()

	res, err := s.resolver.Resolve(ctx, tenantID, batch.Channel, batch.Transactions)
	if err != nil {
		return nil, fmt.Errorf("resolve duplicates: %w", err)
	}
	dedupLookupFailures.Add(float64(res.FailedLookups))
	span.SetAttributes(
		attribute.Int("novel", len(res.Novel)),
		attribute.Int("duplicates", res.Duplicates()),
	)

	return &worker.Prepared{
		Kind:       batch.Kind,
		Stats:      batch.Stats,
		Total:      len(batch.Transactions),
		Resolution: res,
	}, nil
}

func parseUpload(filename, contentType string, data []byte, channel parser.Channel) (*parser.Batch, error) {
	format, err := parser.DetectFormat(parser.Upload{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		Channel:     channel,
	})
	if err != nil {
		return nil, err
	}
	batch, err := format.Parse()
	if err != nil {
		return nil, &parser.UnsupportedFormatError{
			Filename:    filename,
			ContentType: contentType,
			Reason:      fmt.Sprintf("layout does not match channel %s", format.Channel),
			Err:         err,
		}
	}
	return batch, nil
}
