package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EnrollmentsStarted   prometheus.Counter
	StatusTransitions    *prometheus.CounterVec
	StatusChecks         *prometheus.CounterVec
	ReconcilerBatchSize  prometheus.Histogram
	ReconcilerDuration   prometheus.Histogram
	VendorRequestSeconds *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		EnrollmentsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idproof_enrollments_started_total",
			Help: "Total number of in-person enrollments established",
		}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_enrollment_status_transitions_total",
			Help: "Total number of enrollment status transitions, per target status",
		}, []string{"to"}),
		StatusChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_enrollment_status_checks_total",
			Help: "Total number of vendor status checks, per outcome",
		}, []string{"outcome"}),
		ReconcilerBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "idproof_reconciler_batch_size",
			Help:    "Number of enrollments selected per reconciliation pass",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ReconcilerDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "idproof_reconciler_pass_duration_seconds",
			Help:    "Wall-clock duration of one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		VendorRequestSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idproof_vendor_request_duration_seconds",
			Help:    "Latency of proofing vendor requests, per endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) IncrementEnrollmentsStarted() {
	m.EnrollmentsStarted.Inc()
}

func (m *Metrics) IncrementStatusTransitions(to string) {
	m.StatusTransitions.WithLabelValues(to).Inc()
}

// IncrementStatusChecks counts one vendor poll. Outcomes are "passed",
// "failed", "pending", "expired" and "error".
func (m *Metrics) IncrementStatusChecks(outcome string) {
	m.StatusChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconcilerPass(selected int, elapsedSeconds float64) {
	m.ReconcilerBatchSize.Observe(float64(selected))
	m.ReconcilerDuration.Observe(elapsedSeconds)
}

func (m *Metrics) ObserveVendorRequest(endpoint string, seconds float64) {
	m.VendorRequestSeconds.WithLabelValues(endpoint).Observe(seconds)
}
