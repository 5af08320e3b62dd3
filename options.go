package roster

import (
	"log/slog"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/reconcile"
)

// Option configures a Roster.
type Option func(*options)

// options holds the configuration for a Roster.
type options struct {
	logger        *slog.Logger       // Structured logger (default: slog.Default())
	logLine       func(string)       // Optional single-line log callback
	logLineLevel  slog.Level         // Minimum level passed to logLine (default: info)
	progress      ProgressFunc       // Optional per-directive progress callback
	clientOpts    []client.Option    // Applied after the options derived from Settings
	reconcileOpts []reconcile.Option // Applied after the options derived from Settings
}

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		logLineLevel: slog.LevelInfo,
	}
}

// WithLogger sets a structured logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogLine renders log records at or above level as single lines and passes them to fn.
func WithLogLine(fn func(string), level slog.Level) Option {
	return func(o *options) {
		o.logLine = fn
		o.logLineLevel = level
	}
}

// WithProgress sets a callback invoked after every directive.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithClientOptions passes extra options to the Azure DevOps client, e.g. custom endpoints.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithReconcileOptions passes extra options to the reconciler.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(o *options) {
		o.reconcileOpts = append(o.reconcileOpts, opts...)
	}
}
