// Package jobs provides metrics for the ledger's background jobs.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricBackgroundJobsTotal      = "auditledger_background_jobs_total"
	MetricBackgroundJobsDuration   = "auditledger_background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "auditledger_background_job_errors_total"
	MetricBackgroundJobLastSuccess = "auditledger_background_job_last_success_timestamp_seconds"
)

// Job types.
const (
	JobTypeChainVerification = "chain_verification"
	JobTypeStreamArchive     = "stream_archive"
	JobTypePolicyReload      = "policy_reload"
)

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics records background job runs. All methods are safe for concurrent
// use, and Observe also accepts a nil receiver.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: MetricBackgroundJobsDuration,
				Help: "Histogram of background job duration in seconds by job type",
				// A full verification sweep is paced by a rate limiter and can take minutes.
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0, 900.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricBackgroundJobLastSuccess,
				Help: "Unix time of the last successful run by job type",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter. errorType names the failing
// stage, e.g. "list_streams", "integrity_violation", "upload" or "parse".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// Observe records one finished run of jobType that began at start. A non-nil err
// counts as a failure labelled with errorType.
func (m *Metrics) Observe(jobType string, start time.Time, err error, errorType string) {
	if m == nil {
		return
	}
	m.ObserveJobDuration(jobType, time.Since(start).Seconds())
	if err != nil {
		m.IncJobsTotal(jobType, StatusFailure)
		m.IncJobErrors(jobType, errorType)
		return
	}
	m.IncJobsTotal(jobType, StatusSuccess)
	m.lastSuccess.WithLabelValues(jobType).SetToCurrentTime()
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.lastSuccess,
	}
}
