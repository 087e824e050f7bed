package jobs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce       sync.Once
	jobsTotal         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
)

// InitMetrics registers the job pipeline metrics. Safe to call more
// than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		jobsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pagerobot",
				Name:      "jobs_total",
				Help:      "Total extraction jobs by terminal status.",
			},
			[]string{"status"},
		)
		jobDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pagerobot",
				Name:      "job_duration_seconds",
				Help:      "Histogram of extraction job durations in seconds.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"status"},
		)
		webhookDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pagerobot",
				Name:      "webhook_deliveries_total",
				Help:      "Total webhook delivery outcomes after retries.",
			},
			[]string{"outcome"},
		)
		prometheus.MustRegister(jobsTotal, jobDuration, webhookDeliveries)
	})
}

func observeJob(status string, latencyMs int64) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe(float64(latencyMs) / 1000.0)
}

func observeWebhook(outcome string) {
	if webhookDeliveries == nil {
		return
	}
	webhookDeliveries.WithLabelValues(outcome).Inc()
}
