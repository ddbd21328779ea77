package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AttemptsRecorded *prometheus.CounterVec
	LimitsTriggered  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		AttemptsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_ratelimit_attempts_recorded_total",
			Help: "Total number of attempts recorded, per throttle type",
		}, []string{"throttle"}),
		LimitsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_ratelimit_limits_triggered_total",
			Help: "Total number of times a subject crossed an attempt budget, per throttle type",
		}, []string{"throttle"}),
	}
}

func (m *Metrics) IncrementAttempts(throttle string) {
	m.AttemptsRecorded.WithLabelValues(throttle).Inc()
}

func (m *Metrics) IncrementLimitsTriggered(throttle string) {
	m.LimitsTriggered.WithLabelValues(throttle).Inc()
}
