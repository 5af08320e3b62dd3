package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaintrub/azdo-roster/internal/config"
)

var Version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFiles   []string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "azdo-roster",
		Short: "Bulk-provision Azure DevOps team and group memberships",
		Long: `azdo-roster reads a sheet of Add/Remove directives and reconciles team and
security-group memberships of one Azure DevOps project, inviting users to the
organization when needed.

Settings come from azdo-roster.yaml (working directory or ~/.azdo-roster),
.env files and AZDO_* environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Config file (default: azdo-roster.yaml in . or ~/.azdo-roster)")
	pf.StringSliceVar(&flags.envFiles, "env-file", nil, "Extra .env files to load")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log_level)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text or json (overrides log_format)")

	rootCmd.AddCommand(runCmd(flags))
	rootCmd.AddCommand(checkCmd(flags))
	rootCmd.AddCommand(scheduleCmd(flags))
	rootCmd.AddCommand(templateCmd())

	return rootCmd
}

// load reads settings and applies flag overrides.
func (f *globalFlags) load() (*config.Settings, error) {
	settings, err := config.Load(f.configFile, f.envFiles...)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		settings.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		settings.LogFormat = f.logFormat
	}
	return settings, nil
}

// newLogger builds the process logger. Logs go to w so reports on stdout stay clean.
func newLogger(w io.Writer, settings *config.Settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: settings.Level()}
	var handler slog.Handler
	if strings.EqualFold(settings.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
