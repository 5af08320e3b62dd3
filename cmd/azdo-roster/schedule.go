package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	roster "github.com/vaintrub/azdo-roster"
	"github.com/vaintrub/azdo-roster/internal/report"
	"github.com/vaintrub/azdo-roster/internal/schedule"
	"github.com/vaintrub/azdo-roster/models"
)

func scheduleCmd(flags *globalFlags) *cobra.Command {
	var (
		spec       string
		now        bool
		reportDir  string
		runTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule <directives.csv|yaml>",
		Short: "Re-apply a desired-state sheet on a cron schedule",
		Long: `Re-apply a desired-state sheet on a cron schedule until interrupted.

The sheet is re-read on every run. The directory cache is shared between runs
and refetched once its TTL expires. A run still in progress when the next one
is due causes that activation to be skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), settings)

			ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := roster.New(ctx, settings, roster.WithLogger(logger))
			if err != nil {
				return err
			}
			defer r.Close()

			s := schedule.New(r, args[0],
				schedule.WithLogger(logger),
				schedule.WithRunTimeout(runTimeout),
				schedule.WithReport(func(rep *models.Report) {
					t := rep.Totals()
					logger.Info("scheduled run complete",
						slog.String("run_id", rep.RunID),
						slog.Int("succeeded", t.Succeeded),
						slog.Int("failed", t.Failed),
						slog.Int("errored", t.Errored),
					)
					if reportDir == "" {
						return
					}
					if err := saveReport(reportDir, rep); err != nil {
						logger.Error("save report", slog.Any("error", err))
					}
				}),
			)
			if _, err := s.Add(spec); err != nil {
				return err
			}

			if now {
				_, _ = s.RunOnce(ctx)
			}
			s.Start(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec, "cron", "@every 1h", `Cron spec ("0 6 * * *") or descriptor ("@hourly", "@every 30m")`)
	cmd.Flags().BoolVar(&now, "now", false, "Run once immediately before waiting for the schedule")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Write a JSON report per run into this directory")
	cmd.Flags().DurationVar(&runTimeout, "run-timeout", 0, "Cancel a run that takes longer than this (0 = no limit)")

	return cmd
}

func saveReport(dir string, rep *models.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.json", rep.StartedAt.UTC().Format("20060102T150405Z"), rep.RunID)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := report.WriteJSON(f, rep); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
