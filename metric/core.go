package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for federation calls
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeWarning  = "warning"
	OutcomeError    = "error"
)

// FederationMetrics holds the metrics of outbound context source traffic
type FederationMetrics struct {
	Calls              *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	Warnings           *prometheus.CounterVec
	WriteErrors        *prometheus.CounterVec
	RegistrationStatus *prometheus.GaugeVec
}

// NewFederationMetrics creates the federation metric vectors (unregistered)
func NewFederationMetrics() *FederationMetrics {
	return &FederationMetrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxfed",
				Subsystem: "federation",
				Name:      "calls_total",
				Help:      "Outbound context source calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ctxfed",
				Subsystem: "federation",
				Name:      "call_duration_seconds",
				Help:      "Outbound context source call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		Warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxfed",
				Subsystem: "federation",
				Name:      "warnings_total",
				Help:      "Warnings produced by federated reads, by kind",
			},
			[]string{"kind"},
		),

		WriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxfed",
				Subsystem: "federation",
				Name:      "write_errors_total",
				Help:      "Per-registration failures of delegated writes",
			},
			[]string{"operation"},
		),

		RegistrationStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ctxfed",
				Subsystem: "registration",
				Name:      "status",
				Help:      "Last known registration status (1=ok, 0=failed)",
			},
			[]string{"csr_id"},
		),
	}
}

func (m *FederationMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Calls, m.CallDuration, m.Warnings, m.WriteErrors, m.RegistrationStatus}
}

// RecordCall counts one outbound call. Safe on a nil receiver.
func (m *FederationMetrics) RecordCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(operation, outcome).Inc()
	m.CallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordWarning counts a warning of the given kind. Safe on a nil receiver.
func (m *FederationMetrics) RecordWarning(kind string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(kind).Inc()
}

// RecordWriteError counts a delegated write failure. Safe on a nil receiver.
func (m *FederationMetrics) RecordWriteError(operation string) {
	if m == nil {
		return
	}
	m.WriteErrors.WithLabelValues(operation).Inc()
}

// SetRegistrationStatus publishes the status of one registration. Safe on a nil receiver.
func (m *FederationMetrics) SetRegistrationStatus(csrID string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.RegistrationStatus.WithLabelValues(csrID).Set(v)
}
