// Package worker runs queued import jobs in the background.
//
// The durable queue entry is the pending job row plus the stored upload.
// Tasks submitted in-process carry the already parsed batch; tasks rebuilt
// by Recover after a restart carry only the job and are re-prepared by the
// runner from storage.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/dedup"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/sniffer"
)

// ErrPoolClosed is returned by Enqueue after Stop.
var ErrPoolClosed = errors.New("worker pool is closed")

// Prepared is the in-memory result of the synchronous upload phase.
type Prepared struct {
	Kind       sniffer.FileKind
	Stats      parser.Statistics
	Total      int // parsed transactions, duplicates included
	Resolution *dedup.Result
}

// Task is one queued import job.
type Task struct {
	JobID        uuid.UUID
	TenantID     uuid.UUID
	Channel      parser.Channel
	FileID       *uuid.UUID
	AccountLabel *string
	Filename     string
	Prepared     *Prepared // nil when recovered from storage
}

// Runner executes a task to a terminal job state.
type Runner interface {
	Run(ctx context.Context, task Task)
}

// PendingSource lists jobs that were queued but never started.
type PendingSource interface {
	ListPendingJobs(ctx context.Context) ([]*repository.ImportJob, error)
}

// Pool is a process-wide set of goroutines draining a bounded task queue.
// Distinct jobs run concurrently; each job is run by exactly one goroutine.
type Pool struct {
	tasks     chan Task
	closeChan chan struct{}
	workers   int
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	started   bool
	queued    map[uuid.UUID]struct{}
	logger    *slog.Logger
}

// NewPool creates a pool. capacity bounds queued tasks before Enqueue blocks.
func NewPool(workers, capacity int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		tasks:     make(chan Task, capacity),
		closeChan: make(chan struct{}),
		workers:   workers,
		queued:    make(map[uuid.UUID]struct{}),
		logger:    logger,
	}
}

// Start launches the workers. ctx bounds the lifetime of every run.
func (p *Pool) Start(ctx context.Context, runner Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	for i := range p.workers {
		p.wg.Add(1)
		go p.work(ctx, i, runner)
	}
	p.logger.Info("import worker pool started", "workers", p.workers, "capacity", cap(p.tasks))
	return nil
}

// Enqueue queues a task, blocking while the queue is full. A job already
// queued and not yet picked up is not queued twice.
func (p *Pool) Enqueue(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, dup := p.queued[task.JobID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.queued[task.JobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.forget(task.JobID)
		return ctx.Err()
	case <-p.closeChan:
		p.forget(task.JobID)
		return ErrPoolClosed
	}
}

// Recover re-queues every pending job. Their tasks carry no prepared
// batch, so the runner re-reads the upload.
func (p *Pool) Recover(ctx context.Context, src PendingSource) (int, error) {
	jobs, err := src.ListPendingJobs(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range jobs {
		channel, err := parser.ParseChannel(job.Channel)
		if err != nil {
			p.logger.WarnContext(ctx, "pending job has unknown channel", "job_id", job.ID, "channel", job.Channel)
			channel = parser.Channel(job.Channel)
		}
		task := Task{
			JobID:        job.ID,
			TenantID:     job.TenantID,
			Channel:      channel,
			FileID:       job.FileID,
			AccountLabel: job.AccountLabel,
			Filename:     job.SourceFilename,
		}
		if err := p.Enqueue(ctx, task); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "recovered pending import jobs", "jobs", n)
	}
	return n, nil
}

// Stop stops accepting tasks and waits for in-flight jobs or ctx.
// Tasks still queued stay pending in storage and are recovered on the
// next start.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, id int, runner Runner) {
	defer p.wg.Done()
	for {
		// Prefer shutdown over draining the queue.
		select {
		case <-ctx.Done():
			return
		case <-p.closeChan:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.closeChan:
			return
		case task := <-p.tasks:
			p.forget(task.JobID)
			p.run(ctx, id, runner, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, runner Runner, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "import job panicked",
				"worker", id,
				"job_id", task.JobID,
				"panic", r,
			)
		}
	}()
	runner.Run(ctx, task)
}

func (p *Pool) forget(jobID uuid.UUID) {
	p.mu.Lock()
	delete(p.queued, jobID)
	p.mu.Unlock()
}
