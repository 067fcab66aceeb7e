// Package cli implements ledgerctl, the operator command line for the audit ledger.
// Commands talk to the configured store directly rather than through the HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/config"
	"github.com/onnwee/auditledger/internal/storage"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// OpenFunc opens a ledger and returns a function releasing its resources.
type OpenFunc func(ctx context.Context, opts *RootOptions) (*audit.Ledger, func() error, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	// Open defaults to OpenConfiguredLedger.
	Open OpenFunc
}

// NewRootCommand creates the ledgerctl root command.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}
	if opts.Open == nil {
		opts.Open = OpenConfiguredLedger
	}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the tamper-evident audit ledger",
		Long: `ledgerctl verifies, exports and appends to audit streams using the same
storage configuration as the API server (environment variables or --config).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %s", opts.Format, strings.Join(ValidFormats, ", ")))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file; environment variables take precedence")
	cmd.PersistentFlags().StringVar(&opts.Format, "output", FormatText, "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewVerifyAllCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewStreamsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// OpenConfiguredLedger opens the store named by configuration and wraps it in a ledger.
func OpenConfiguredLedger(ctx context.Context, opts *RootOptions) (*audit.Ledger, func() error, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.Default()
	}

	store, pool, err := storage.OpenConfigured(ctx, cfg, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	closeFn := func() error { return nil }
	if pool != nil {
		closeFn = pool.Close
	}

	ledger, err := audit.NewLedger(audit.LedgerConfig{
		Store:                 store,
		Logger:                logger,
		AppendTimeout:         cfg.AppendTimeout(),
		DefaultComplianceMode: audit.ComplianceMode(cfg.DefaultComplianceMode),
	})
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return ledger, closeFn, nil
}

// loadConfig loads configuration, ignoring errors for settings the CLI never uses.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, errs := config.Load(opts.ConfigPath)
	if cfg == nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", errs[0])
	}
	for _, err := range errs {
		if storageSetting(err) {
			return nil, WrapExitError(ExitCommandError, "invalid config", err)
		}
	}
	return cfg, nil
}

func storageSetting(err error) bool {
	for _, target := range []error{
		config.ErrMissingDatabaseURL,
		config.ErrMissingSQLitePath,
		config.ErrInvalidStorageDriver,
		config.ErrMemoryDriverInProduction,
		config.ErrInvalidComplianceMode,
		config.ErrInvalidTimeout,
		config.ErrLockTimeoutExceedsAppend,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withLedger opens the ledger for the duration of fn.
func (o *RootOptions) withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *audit.Ledger) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ledger, closeFn, err := o.Open(ctx, o)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, ledger)
}
