package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/categorization"
	importhandler "github.com/FACorreiaa/marketplace-ledger/internal/domain/import/handler"
	importrepo "github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/marketplace-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/worker"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/lineitem"
	"github.com/FACorreiaa/marketplace-ledger/internal/server"
	"github.com/FACorreiaa/marketplace-ledger/pkg/config"
	"github.com/FACorreiaa/marketplace-ledger/pkg/cron"
	"github.com/FACorreiaa/marketplace-ledger/pkg/db"
	"github.com/FACorreiaa/marketplace-ledger/pkg/interceptors"
	"github.com/FACorreiaa/marketplace-ledger/pkg/storage"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB // nil with the memory store driver
	Logger *slog.Logger

	// Repositories
	ImportRepo         importrepo.ImportRepository
	CategorizationRepo *categorization.Repository
	LineItems          lineitem.Store

	// Services
	FileStorage           storage.Storage
	WorkerPool            *worker.Pool
	ImportService         *importservice.ImportService
	CategorizationService *categorization.Service
	Scheduler             *cron.Scheduler
	Auth                  *interceptors.Authenticator

	// Handlers
	ImportHandler *importhandler.ImportHandler
	Server        *http.Server
	MetricsServer *http.Server // nil when metrics share the API port
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(ctx); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully", "store_driver", cfg.Import.StoreDriver)

	return deps, nil
}

// initDatabase connects to PostgreSQL and runs migrations. The memory
// driver skips it.
func (d *Dependencies) initDatabase() error {
	if d.Config.Import.StoreDriver == "memory" {
		d.Logger.Warn("using in-memory store, imports are lost on restart")
		return nil
	}

	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	if d.DB == nil {
		d.ImportRepo = importrepo.NewMemoryRepository()
		d.LineItems = lineitem.NewMemoryStore()
		d.Logger.Info("in-memory repositories initialized")
		return nil
	}

	d.ImportRepo = importrepo.NewPostgresRepository(d.DB.Pool)
	d.CategorizationRepo = categorization.NewRepository(d.DB.Pool)
	d.LineItems = lineitem.NewRepository(d.DB.Pool)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices(ctx context.Context) error {
	storageType := storage.StorageType(d.Config.Storage.Type)
	if d.DB == nil && storageType == storage.StorageTypeLocal {
		// A pending job cannot outlive the process without a database, so
		// keeping uploads on disk buys nothing.
		storageType = storage.StorageTypeMemory
	}
	fileStorage, err := storage.New(ctx, &storage.Config{
		Type:       storageType,
		LocalPath:  d.Config.Storage.LocalPath,
		S3Bucket:   d.Config.Storage.S3Bucket,
		S3Region:   d.Config.Storage.S3Region,
		S3Endpoint: d.Config.Storage.S3Endpoint,
		S3Prefix:   d.Config.Storage.S3Prefix,
	})
	if err != nil {
		return fmt.Errorf("failed to init file storage: %w", err)
	}
	d.FileStorage = fileStorage

	d.WorkerPool = worker.NewPool(d.Config.Import.Workers, d.Config.Import.QueueCapacity, d.Logger)

	d.ImportService = importservice.NewImportService(d.ImportRepo, d.FileStorage, d.WorkerPool, importservice.Options{
		ChunkSize:       d.Config.Import.ChunkSize,
		LookupChunkSize: d.Config.Import.LookupChunkSize,
		Currency:        d.Config.Import.DefaultCurrency,
	}, d.Logger)
	d.ImportService.WithLineItems(d.LineItems)

	// Category rules live in PostgreSQL only.
	if d.CategorizationRepo != nil {
		d.CategorizationService = categorization.NewService(d.CategorizationRepo, d.Logger)
		d.ImportService.WithCategorizer(d.CategorizationService)
	}

	d.Scheduler = cron.NewScheduler(d.ImportRepo, d.Config.Import.SweepSchedule, d.Config.Import.StaleJobTTL, d.Logger)
	d.Auth = interceptors.NewAuthenticator(d.Config.Auth.JWTSecret, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportService, d.Config.Import.MaxUploadBytes, d.Logger)

	obs := d.Config.Observability
	separateMetrics := obs.MetricsEnabled && obs.MetricsPort > 0 && obs.MetricsPort != d.Config.Server.Port
	if separateMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.MetricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", d.Config.Server.Host, obs.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	var health server.HealthChecker
	if d.DB != nil {
		health = d.DB
	}
	d.Server = server.New(server.Config{
		Addr:               fmt.Sprintf("%s:%d", d.Config.Server.Host, d.Config.Server.Port),
		AllowedOrigins:     d.Config.Server.AllowedOrigins,
		RateLimitPerSecond: d.Config.Server.RateLimitPerSecond,
		RateLimitBurst:     d.Config.Server.RateLimitBurst,
		MetricsEnabled:     d.Config.Observability.MetricsEnabled && !separateMetrics,
	}, server.Deps{
		Imports: d.ImportHandler,
		Auth:    d.Auth,
		Health:  health,
		Logger:  d.Logger,
	})

	d.Logger.Info("handlers initialized")
	return nil
}

// StartBackground starts the worker pool, re-queues pending jobs and
// starts the stale job sweep. ctx bounds every background job.
func (d *Dependencies) StartBackground(ctx context.Context) error {
	if err := d.WorkerPool.Start(ctx, d.ImportService); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if _, err := d.WorkerPool.Recover(ctx, d.ImportRepo); err != nil {
		return fmt.Errorf("recover pending imports: %w", err)
	}
	if err := d.Scheduler.Start(); err != nil {
		return err
	}
	d.Scheduler.RunNow()
	return nil
}

// Cleanup stops background work and closes all resources
func (d *Dependencies) Cleanup(ctx context.Context) {
	if d.Scheduler != nil {
		<-d.Scheduler.Stop().Done()
	}
	if d.WorkerPool != nil {
		if err := d.WorkerPool.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.Logger.Warn("worker pool did not drain", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
