package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesProcessed counts finished jobs by outcome.
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "pipeline",
			Name:      "files_processed_total",
			Help:      "Files processed by outcome (completed, failed, rejected, skipped)",
		},
		[]string{"outcome"},
	)

	// ChunksIndexed counts chunks upserted into the vector index.
	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "pipeline",
			Name:      "chunks_indexed_total",
			Help:      "Chunks embedded and upserted",
		},
	)

	// StageDuration tracks time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"stage"},
	)
)
