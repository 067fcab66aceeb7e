package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditledger/internal/audit"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <stream-id>",
		Short: "Recompute the hash chain of one stream",
		Long: `Recompute every event and chain-link hash of a stream and report the first
divergence. Exits 1 when the chain is broken and 2 when the stream is unknown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
				return runVerify(ctx, rootOpts.formatter(cmd), l, args[0])
			})
		},
	}
}

func runVerify(ctx context.Context, f *OutputFormatter, l *audit.Ledger, streamID string) error {
	result, err := l.VerifyStream(ctx, streamID)
	if errors.Is(err, audit.ErrStreamNotFound) {
		return NewExitError(ExitCommandError, "stream not found: "+streamID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "verification failed", err)
	}

	if !result.Valid {
		text := fmt.Sprintf("✗ stream %s broken at seq %d: %s", streamID, result.BrokenAtSeq, result.Reason)
		if err := f.Failure(result, text); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "integrity violation", result.Violation())
	}
	return f.Success(result, fmt.Sprintf("✓ stream %s valid: %d events, head %s", streamID, result.EventsChecked, result.HeadHash))
}

// NewVerifyAllCommand creates the verify-all command.
func NewVerifyAllCommand(rootOpts *RootOptions) *cobra.Command {
	var rate float64
	cmd := &cobra.Command{
		Use:   "verify-all",
		Short: "Verify every stream once",
		Long: `Run one verification sweep over every stream, paced by --rate streams per
second. Exits 1 when any chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
				return runVerifyAll(ctx, rootOpts.formatter(cmd), l, rate)
			})
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 50, "streams verified per second")
	return cmd
}

func runVerifyAll(ctx context.Context, f *OutputFormatter, l *audit.Ledger, rate float64) error {
	job := audit.NewVerificationJob(audit.VerificationJobConfig{
		Ledger:        l,
		RatePerSecond: rate,
	})
	report, err := job.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "verification sweep failed", err)
	}

	for _, v := range report.Violations {
		f.VerboseLog("stream %s broken at seq %d: %s", v.StreamID, v.BrokenAtSeq, v.Reason)
	}
	summary := fmt.Sprintf("%d streams, %d events checked, %d violations, %d unreadable",
		report.StreamsChecked, report.EventsChecked, len(report.Violations), report.Errors)

	if len(report.Violations) > 0 {
		if err := f.Failure(report, "✗ "+summary); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d integrity violations", len(report.Violations)))
	}
	if report.Errors > 0 {
		if err := f.Failure(report, "✗ "+summary); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("%d streams could not be read", report.Errors))
	}
	return f.Success(report, "✓ "+summary)
}
