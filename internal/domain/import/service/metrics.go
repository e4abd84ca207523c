package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeImported   = "imported"
	outcomeDuplicated = "duplicated"
	outcomeErrored    = "errored"
)

var (
	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_import_rows_total",
		Help: "Transactions handled by import jobs, by outcome.",
	}, []string{"channel", "outcome"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_import_jobs_total",
		Help: "Import jobs that reached a terminal status.",
	}, []string{"channel", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_import_job_duration_seconds",
		Help:    "Wall time of background import jobs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"channel"})

	dedupLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_import_dedup_lookup_failures_total",
		Help: "Duplicate lookup chunks that failed and were treated as not found.",
	})
)
