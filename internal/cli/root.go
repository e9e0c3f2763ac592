package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/episim-labs/episim-go/internal/app"
)

// RootOptions holds global flags and the application factory shared by all
// commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"

	// Open builds the application. Nil means configuration from the
	// environment.
	Open func(ctx context.Context, logger *slog.Logger) (*app.App, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "episimctl",
		Short:         "Operate the episim result cache",
		Long:          "Fingerprint input bundles, run or reuse simulations and inspect stored outputs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitUsage, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging on stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newFingerprintCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newStatCommand(opts))
	cmd.AddCommand(newParamsCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) open(cmd *cobra.Command) (*app.App, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := o.logger(cmd.ErrOrStderr())
	if o.Open != nil {
		return o.Open(ctx, logger)
	}
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return nil, WrapExitError(ExitUsage, "invalid configuration", err)
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "stores unavailable", err)
	}
	return a, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// Execute runs the command line and returns the process exit code. Failures
// are reported on stderr in the selected format.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return ExecuteWithOptions(ctx, &RootOptions{}, args, stdout, stderr)
}

func ExecuteWithOptions(ctx context.Context, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommandWithOptions(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format := opts.Format
	if !isValidFormat(format) {
		format = "text"
	}
	_ = (&OutputFormatter{Format: format, Writer: stderr}).Error(err)
	return ExitCode(err)
}
