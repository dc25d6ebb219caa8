package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyfanout"

var (
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total jobs processed by outcome",
		},
		[]string{"channel", "outcome"},
	)

	sendResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "send_results_total",
			Help:      "Per-recipient send results by status",
		},
		[]string{"channel", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Time to process one job",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Number of queued jobs by state",
		},
		[]string{"queue", "state"},
	)
)

// recordJob records a processed job outcome.
func recordJob(channel, outcome string) {
	jobsProcessed.WithLabelValues(channel, outcome).Inc()
}

// recordResults records per-recipient outcomes for one job.
func recordResults(channel string, success, failure int) {
	sendResults.WithLabelValues(channel, "success").Add(float64(success))
	sendResults.WithLabelValues(channel, "error").Add(float64(failure))
}

// recordJobDuration records job processing time.
func recordJobDuration(channel string, duration time.Duration) {
	jobDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordQueueDepth updates queue depth gauges.
func RecordQueueDepth(queueName string, active, waiting, delayed int64) {
	queueDepth.WithLabelValues(queueName, "active").Set(float64(active))
	queueDepth.WithLabelValues(queueName, "waiting").Set(float64(waiting))
	queueDepth.WithLabelValues(queueName, "delayed").Set(float64(delayed))
}
