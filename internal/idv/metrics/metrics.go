package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OTPsSent           prometheus.Counter
	OTPSubmissions     *prometheus.CounterVec
	PersonalKeysIssued prometheus.Counter
	StepRedirects      *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		OTPsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idproof_otp_sent_total",
			Help: "Total number of phone confirmation codes issued",
		}),
		OTPSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_otp_submissions_total",
			Help: "Total number of phone confirmation code submissions, per result",
		}, []string{"result"}),
		PersonalKeysIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idproof_personal_keys_issued_total",
			Help: "Total number of personal keys issued, first issue per session only",
		}),
		StepRedirects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_step_redirects_total",
			Help: "Total number of precondition redirects, per target step",
		}, []string{"to"}),
	}
}

func (m *Metrics) IncrementOTPsSent() {
	m.OTPsSent.Inc()
}

// IncrementOTPSubmissions counts one code submission. Results are "confirmed",
// "mismatch" and "lockout".
func (m *Metrics) IncrementOTPSubmissions(result string) {
	m.OTPSubmissions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementPersonalKeysIssued() {
	m.PersonalKeysIssued.Inc()
}

func (m *Metrics) IncrementStepRedirects(to string) {
	m.StepRedirects.WithLabelValues(to).Inc()
}
