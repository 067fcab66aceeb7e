package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/db"
	"github.com/onnwee/auditledger/internal/storage"
)

// NewStreamsCommand creates the streams command.
func NewStreamsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List every stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
				streams, err := l.Streams(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list streams", err)
				}
				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STREAM ID\tTYPE\tKEY\tCREATED")
				for _, st := range streams {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.ID, st.Type, st.Key, st.CreatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
				return rootOpts.formatter(cmd).Success(streams, strings.TrimRight(b.String(), "\n"))
			})
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var format, file string
	cmd := &cobra.Command{
		Use:   "export <stream-id>",
		Short: "Export a stream as csv, json or cbor",
		Long: `Render every event of a stream. The export is written to --file, or to
standard output when no file is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exportFormat, err := audit.ParseExportFormat(format)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --format", err)
			}
			return rootOpts.withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
				exp, err := l.ExportStream(ctx, args[0], exportFormat)
				if errors.Is(err, audit.ErrStreamNotFound) {
					return NewExitError(ExitCommandError, "stream not found: "+args[0])
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "export failed", err)
				}

				if file == "" {
					_, err := cmd.OutOrStdout().Write(exp.Data)
					return err
				}
				if err := os.WriteFile(file, exp.Data, 0o600); err != nil {
					return WrapExitError(ExitCommandError, "failed to write export", err)
				}
				summary := map[string]any{
					"file":      file,
					"stream_id": exp.StreamID,
					"head_seq":  exp.HeadSeq,
					"head_hash": exp.HeadHash,
					"bytes":     len(exp.Data),
				}
				return rootOpts.formatter(cmd).Success(summary,
					fmt.Sprintf("wrote %d bytes to %s (head seq %d)", len(exp.Data), file, exp.HeadSeq))
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format (csv|json|cbor)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "write the export to this file")
	return cmd
}

// appendOptions holds the append command flags.
type appendOptions struct {
	req            audit.AppendRequest
	actorType      string
	actorID        string
	dedupeKey      string
	payload        string
	complianceMode string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &appendOptions{}
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event",
		Long: `Append an event, typically for manual corrections recorded by operators.
Re-running with the same --dedupe-key returns the original event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, mode, err := opts.build(cmd)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid arguments", err)
			}
			return rootOpts.withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
				result, err := l.Append(ctx, req, audit.AppendOptions{ComplianceMode: mode})
				if err != nil {
					return WrapExitError(ExitCommandError, "append failed", err)
				}
				e := result.Event
				data := map[string]any{"outcome": result.Outcome, "event": e}
				return rootOpts.formatter(cmd).Success(data,
					fmt.Sprintf("%s event %s: stream %s seq %d hash %s", result.Outcome, e.ID, e.StreamID, e.Seq, e.EventHash))
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.req.StreamType, "stream-type", "", "stream type (required)")
	f.StringVar(&opts.req.StreamKey, "stream-key", "", "stream key (required)")
	f.StringVar(&opts.actorType, "actor-type", string(audit.ActorSystem), "SYSTEM, USER or SERVICE")
	f.StringVar(&opts.actorID, "actor-id", "", "actor id")
	f.StringVar(&opts.req.Service, "service", "ledgerctl", "originating service")
	f.StringVar(&opts.req.Action, "action", "", "action (required)")
	f.StringVar(&opts.req.ResourceType, "resource-type", "", "resource type (required)")
	f.StringVar(&opts.req.ResourceID, "resource-id", "", "resource id (required)")
	f.StringVar(&opts.payload, "payload", "{}", "payload as a JSON object")
	f.StringVar(&opts.dedupeKey, "dedupe-key", "", "idempotency key")
	f.StringVar(&opts.complianceMode, "compliance-mode", "", "STANDARD or STRICT (default from config)")
	for _, name := range []string{"stream-type", "stream-key", "action", "resource-type", "resource-id"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (o *appendOptions) build(cmd *cobra.Command) (audit.AppendRequest, audit.ComplianceMode, error) {
	req := o.req
	req.ActorType = audit.ActorType(strings.ToUpper(o.actorType))
	if cmd.Flags().Changed("actor-id") {
		req.ActorID = audit.StringPtr(o.actorID)
	}
	if cmd.Flags().Changed("dedupe-key") {
		req.DedupeKey = audit.StringPtr(o.dedupeKey)
	}
	if err := json.Unmarshal([]byte(o.payload), &req.Payload); err != nil {
		return req, "", fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return req, audit.ComplianceMode(strings.ToUpper(o.complianceMode)), nil
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.StorageDriver == db.DriverMemory {
				return NewExitError(ExitCommandError, "the memory driver has no schema")
			}
			_, pool, err := storage.OpenConfigured(cmd.Context(), cfg, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			defer pool.Close()
			return rootOpts.formatter(cmd).Success(map[string]string{"driver": cfg.StorageDriver, "schema": "current"},
				fmt.Sprintf("✓ %s schema is current", cfg.StorageDriver))
		},
	}
}
