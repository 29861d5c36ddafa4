package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	publishedTotal *prometheus.CounterVec
	duplicateTotal *prometheus.CounterVec
	jobsTotal      *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec

	running *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		publishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nald_import",
			Name:      "jobs_published_total",
			Help:      "Total number of stage jobs published.",
		}, []string{"stage"}),
		duplicateTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nald_import",
			Name:      "jobs_duplicate_total",
			Help:      "Total number of publishes rejected because the singleton key was held.",
		}, []string{"stage"}),
		jobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nald_import",
			Name:      "jobs_completed_total",
			Help:      "Total number of stage jobs completed, by result.",
		}, []string{"stage", "result"}),
		skippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nald_import",
			Name:      "entities_skipped_total",
			Help:      "Total number of entities skipped because their claims were malformed or unsorted.",
		}, []string{"stage"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nald_import",
			Name:      "job_duration_seconds",
			Help:      "Duration of stage jobs.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.5,
				1, 5, 10, 30,
				60, 300, 900, 3600,
			},
		}, []string{"stage", "result"}),
		running: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nald_import",
			Name:      "jobs_running",
			Help:      "Current number of running stage jobs.",
		}, []string{"stage"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

func resultLabel(c Completion) string {
	switch {
	case c.Err != nil:
		return "failure"
	case c.Outcome.Halt:
		return "halted"
	default:
		return "success"
	}
}

func (m *metrics) observeCompletion(c Completion) {
	result := resultLabel(c)
	m.jobsTotal.WithLabelValues(c.Job.Stage, result).Inc()
	m.jobDuration.WithLabelValues(c.Job.Stage, result).Observe(c.Elapsed.Seconds())
	if c.Outcome.Skipped > 0 {
		m.skippedTotal.WithLabelValues(c.Job.Stage).Add(float64(c.Outcome.Skipped))
	}
}
