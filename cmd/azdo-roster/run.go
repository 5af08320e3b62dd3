package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	roster "github.com/vaintrub/azdo-roster"
	"github.com/vaintrub/azdo-roster/internal/reconcile"
	"github.com/vaintrub/azdo-roster/internal/report"
)

// errUnsuccessful is returned by --strict runs with failed or errored directives.
var errUnsuccessful = errors.New("some directives did not succeed")

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		format   string
		output   string
		progress bool
		strict   bool
	)
	cmd := &cobra.Command{
		Use:   "run <directives.csv|yaml>",
		Short: "Reconcile the directives in a sheet once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportFormat, err := resolveFormat(format, output)
			if err != nil {
				return err
			}

			settings, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), settings)

			opts := []roster.Option{roster.WithLogger(logger)}
			if progress {
				opts = append(opts, roster.WithProgress(printProgress(cmd.ErrOrStderr())))
			}

			ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := roster.New(ctx, settings, opts...)
			if err != nil {
				return err
			}
			defer r.Close()

			rep, err := r.RunFile(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info("reconciliation complete",
				slog.String("run_id", rep.RunID),
				slog.Duration("elapsed", reconcile.Elapsed(rep)),
			)

			if err := writeReport(cmd.OutOrStdout(), output, rep, reportFormat); err != nil {
				return err
			}

			t := rep.Totals()
			if strict && (t.Failed > 0 || t.Errored > 0 || rep.Cancelled) {
				return fmt.Errorf("%w: %d failed, %d errored", errUnsuccessful, t.Failed, t.Errored)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Report format: text, json, yaml, csv (default: from --output extension, else text)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")
	cmd.Flags().BoolVar(&progress, "progress", true, "Print one line per processed directive to stderr")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any directive fails or the run is cancelled")

	return cmd
}

// resolveFormat picks the report format from the flag or the output file extension.
func resolveFormat(format, output string) (report.Format, error) {
	if format == "" && output != "" {
		format = strings.TrimPrefix(filepath.Ext(output), ".")
	}
	return report.ParseFormat(format)
}

func writeReport(stdout io.Writer, output string, rep *roster.Report, format report.Format) error {
	if output == "" {
		return report.Write(stdout, rep, format)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, rep, format); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

func printProgress(w io.Writer) roster.ProgressFunc {
	return func(p roster.Progress) {
		fmt.Fprintf(w, "[%d/%d] %s\n", p.Index, p.Total, p.Status)
	}
}

// runContext is the command context, or Background when cobra has none.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
