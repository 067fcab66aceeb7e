package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAppends             = "auditledger_appends_total"
	MetricAppendErrors        = "auditledger_append_errors_total"
	MetricAppendDuration      = "auditledger_append_duration_seconds"
	MetricVerifications       = "auditledger_verifications_total"
	MetricIntegrityViolations = "auditledger_integrity_violations_total"
)

// Append error kinds used as the "kind" label.
const (
	ErrorKindValidation = "validation"
	ErrorKindTransient  = "transient"
	ErrorKindInternal   = "internal"
)

// Verification results used as the "result" label.
const (
	VerifyResultValid   = "valid"
	VerifyResultInvalid = "invalid"
	VerifyResultError   = "error"
)

// Metrics contains Prometheus metrics for the ledger.
// All operations are thread-safe, and a nil *Metrics records nothing.
type Metrics struct {
	appends             *prometheus.CounterVec
	appendErrors        *prometheus.CounterVec
	appendDuration      prometheus.Histogram
	verifications       *prometheus.CounterVec
	integrityViolations prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppends,
				Help: "Total number of successful appends by outcome (created, duplicate)",
			},
			[]string{"outcome"},
		),
		appendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendErrors,
				Help: "Total number of failed appends by error kind",
			},
			[]string{"kind"},
		),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAppendDuration,
			Help:    "Histogram of append latency in seconds, including lock wait",
			Buckets: prometheus.DefBuckets,
		}),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifications,
				Help: "Total number of stream verifications by result",
			},
			[]string{"result"},
		),
		integrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricIntegrityViolations,
			Help: "Total number of hash chain integrity violations detected",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.appendErrors,
		m.appendDuration,
		m.verifications,
		m.integrityViolations,
	}
}

// IncAppend counts a successful append.
func (m *Metrics) IncAppend(outcome Outcome) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(string(outcome)).Inc()
}

// IncAppendError counts a failed append.
func (m *Metrics) IncAppendError(kind string) {
	if m == nil {
		return
	}
	m.appendErrors.WithLabelValues(kind).Inc()
}

// ObserveAppendDuration records an append latency sample.
func (m *Metrics) ObserveAppendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.appendDuration.Observe(seconds)
}

// IncVerification counts a verification, and a violation when the result is invalid.
func (m *Metrics) IncVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	if result == VerifyResultInvalid {
		m.integrityViolations.Inc()
	}
}
