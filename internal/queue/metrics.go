package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished deliveries.
	// Labels: queue, outcome (ack, term, nak)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of processed deliveries by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// JobDuration tracks handler run time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of job handlers in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"queue"},
	)

	// JobsInFlight tracks deliveries currently being handled.
	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of deliveries currently being handled",
		},
		[]string{"queue"},
	)

	// PublishedTotal counts enqueued jobs.
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "queue",
			Name:      "published_total",
			Help:      "Total number of jobs published",
		},
		[]string{"queue"},
	)
)
