package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/auditledger/internal/jobs"
)

// VerificationJobConfig configures the verification sweep.
type VerificationJobConfig struct {
	Ledger        *Ledger       // Ledger whose streams are verified
	Logger        *slog.Logger  // Logger for job execution
	Metrics       *jobs.Metrics // Optional job metrics
	RatePerSecond float64       // Streams verified per second (0 = 50)
}

// SweepReport summarizes one verification sweep.
type SweepReport struct {
	StreamsChecked int                  `json:"streams_checked"`
	EventsChecked  int                  `json:"events_checked"`
	Violations     []VerificationResult `json:"violations,omitempty"`
	Errors         int                  `json:"errors"`
}

// VerificationJob periodically re-verifies every stream so tampering is noticed
// without an operator asking.
type VerificationJob struct {
	config  VerificationJobConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	last     SweepReport
	lastDone time.Time
}

// NewVerificationJob creates a new verification sweep job.
func NewVerificationJob(config VerificationJobConfig) *VerificationJob {
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 50
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &VerificationJob{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
	}
}

// Run verifies every stream once. Individual stream read failures are counted
// and skipped; a failure to list streams aborts the sweep.
func (j *VerificationJob) Run(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	logger := j.config.Logger
	var report SweepReport

	streams, err := j.config.Ledger.Streams(ctx)
	if err != nil {
		j.record(start, err, "list_streams")
		return report, err
	}

	logger.Info("starting verification sweep", "streams", len(streams))

	for _, st := range streams {
		if err := j.limiter.Wait(ctx); err != nil {
			j.record(start, err, "cancelled")
			return report, err
		}

		result, err := j.config.Ledger.VerifyStream(ctx, st.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				j.record(start, err, "cancelled")
				return report, err
			}
			report.Errors++
			logger.Warn("stream verification failed",
				"stream_id", st.ID,
				"error", err,
			)
			continue
		}

		report.StreamsChecked++
		report.EventsChecked += result.EventsChecked
		if !result.Valid {
			report.Violations = append(report.Violations, result)
		}
	}

	logger.Info("verification sweep complete",
		"streams_checked", report.StreamsChecked,
		"events_checked", report.EventsChecked,
		"violations", len(report.Violations),
		"errors", report.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	j.mu.Lock()
	j.last, j.lastDone = report, time.Now()
	j.mu.Unlock()

	var sweepErr error
	if len(report.Violations) > 0 {
		sweepErr = report.Violations[0].Violation()
		j.record(start, sweepErr, "integrity_violation")
	} else {
		j.record(start, nil, "")
	}
	return report, nil
}

// LastSweep returns the report of the most recent completed sweep and when it
// finished. ok is false until one sweep has completed.
func (j *VerificationJob) LastSweep() (report SweepReport, finished time.Time, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.lastDone, !j.lastDone.IsZero()
}

func (j *VerificationJob) record(start time.Time, err error, errorType string) {
	j.config.Metrics.Observe(jobs.JobTypeChainVerification, start, err, errorType)
}

// RunPeriodic runs the sweep immediately and then at every interval until ctx is done.
// This function blocks and should typically be run in a goroutine.
func (j *VerificationJob) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.config.Logger.Error("initial verification sweep failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.config.Logger.Error("periodic verification sweep failed", "error", err)
			}
		case <-ctx.Done():
			j.config.Logger.Info("stopping verification sweep")
			return
		}
	}
}
