// Package reconcile drives a batch of directives against one Azure DevOps project:
// connectivity check, directory pre-warm, one batched invitation, per-directive
// membership changes and a bounded wait for pending invitations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/internal/invite"
	"github.com/vaintrub/azdo-roster/internal/membership"
	"github.com/vaintrub/azdo-roster/internal/resolve"
	"github.com/vaintrub/azdo-roster/models"
)

// API is everything a run needs from Azure DevOps. client.Client satisfies it.
type API interface {
	TestConnection(ctx context.Context) error
	cache.Source
	membership.API
	invite.API
}

// Reconciler runs batches. The directory cache lives as long as the Reconciler,
// the pending-invitation queue lives for one run.
type Reconciler struct {
	api      API
	dir      *cache.Directory
	resolver *resolve.Resolver
	operator *membership.Operator
	opts     *options
	logger   *slog.Logger
}

// New creates a Reconciler.
func New(api API, opts ...Option) *Reconciler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if o.logLine != nil {
		logger = slog.New(fanoutHandler{logger.Handler(), NewCallbackHandler(o.logLine, o.logLineLevel)})
	}

	dir := o.directory
	if dir == nil {
		dir = cache.NewDirectory(api, append([]cache.Option{cache.WithLogger(logger)}, o.cacheOpts...)...)
	}

	return &Reconciler{
		api:      api,
		dir:      dir,
		resolver: resolve.New(dir, resolve.WithLogger(logger)),
		operator: membership.New(api, dir, append([]membership.Option{membership.WithLogger(logger)}, o.memberOpts...)...),
		opts:     o,
		logger:   logger,
	}
}

// Directory returns the shared directory cache.
func (r *Reconciler) Directory() *cache.Directory {
	return r.dir
}

// Logger returns the logger used by the run, including the log-line callback.
func (r *Reconciler) Logger() *slog.Logger {
	return r.logger
}

// TestConnectivity verifies the project is reachable with the configured credential.
// Failures wrap models.ErrConnectivity.
func (r *Reconciler) TestConnectivity(ctx context.Context) error {
	if err := r.api.TestConnection(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrConnectivity, err)
	}
	return nil
}

// Run applies directives in input order and returns one outcome per processed
// directive. Only a connectivity failure aborts the run with an error. Cancelling
// ctx stops the run before the next directive: the directive already in flight
// finishes on a detached context bounded by the client's request timeout, the
// report holds the outcomes recorded so far and Cancelled is set.
func (r *Reconciler) Run(ctx context.Context, directives []models.Directive) (*models.Report, error) {
	report := &models.Report{
		RunID:     uuid.NewString(),
		StartedAt: r.opts.now(),
		Outcomes:  make([]models.OperationOutcome, 0, len(directives)),
	}
	logger := r.logger.With(slog.String("run_id", report.RunID))
	logger.InfoContext(ctx, "run started", slog.Int("directives", len(directives)))

	if err := r.TestConnectivity(ctx); err != nil {
		logger.ErrorContext(ctx, "connectivity check failed", slog.Any("error", err))
		return nil, err
	}

	if err := r.dir.Prewarm(ctx); err != nil {
		logger.WarnContext(ctx, "directory pre-warm failed", slog.Any("error", err))
	}

	coord := invite.New(r.api, r.dir, append([]invite.Option{invite.WithLogger(logger)}, r.opts.inviteOpts...)...)

	var adds []models.Directive
	for _, d := range directives {
		if d.Action == models.ActionAdd && d.Validate() == nil {
			adds = append(adds, d)
		}
	}
	if len(adds) > 0 {
		batch, err := coord.InviteMany(ctx, adds)
		if err != nil {
			logger.WarnContext(ctx, "batch invitation failed, falling back to per-user invitations", slog.Any("error", err))
		}
		report.Invited = batch.Invited
	}

	total := len(directives)
	for i, d := range directives {
		if ctx.Err() != nil {
			report.Cancelled = true
			logger.InfoContext(ctx, "run cancelled", slog.Int("processed", i), slog.Int("total", total))
			break
		}

		out := r.process(context.WithoutCancel(ctx), coord, logger, d)
		report.Outcomes = append(report.Outcomes, out)
		if r.opts.progress != nil {
			r.opts.progress(Progress{
				Index:   i + 1,
				Total:   total,
				Status:  fmt.Sprintf("%s %s -> %s: %s", d.Action, d.UserEmail, d.TeamName, out.Status),
				Outcome: out,
			})
		}
	}

	if !report.Cancelled {
		processed, remaining, err := coord.Drain(ctx, r.opts.maxWait)
		if err != nil && ctx.Err() != nil {
			report.Cancelled = true
		}
		report.PendingProcessed = processed
		report.PendingRemaining = remaining
	} else {
		report.PendingRemaining = coord.Pending().Len()
	}

	report.FinishedAt = r.opts.now()
	t := report.Totals()
	logger.InfoContext(ctx, "run finished",
		slog.Int("succeeded", t.Succeeded), slog.Int("failed", t.Failed), slog.Int("errored", t.Errored),
		slog.Int("pending_remaining", report.PendingRemaining), slog.Bool("cancelled", report.Cancelled))
	return report, nil
}

func (r *Reconciler) process(ctx context.Context, coord *invite.Coordinator, logger *slog.Logger, d models.Directive) models.OperationOutcome {
	if err := d.Validate(); err != nil {
		return r.outcome(d, models.StatusError, "invalid directive: "+err.Error())
	}

	log := logger.With(slog.String("email", models.NormalizeEmail(d.UserEmail)), slog.String("team", d.TeamName), slog.String("action", string(d.Action)))

	if d.Action == models.ActionAdd {
		m, err := coord.EnsureMember(ctx, d)
		if err != nil {
			log.WarnContext(ctx, "user not in organization", slog.Any("error", err))
			status := models.StatusFailed
			if ctx.Err() != nil {
				status = models.StatusError
			}
			return r.outcome(d, status, "organization membership: "+err.Error())
		}
		if m.Entitled {
			return r.outcome(d, models.StatusSuccess, fmt.Sprintf("invited to the organization as %s with project entitlement", d.Role))
		}
		if m.Pending {
			log.InfoContext(ctx, "invitation still propagating, continuing with email-based strategies")
		}
	}

	target, err := r.resolver.Resolve(ctx, d.TeamName)
	switch {
	case errors.Is(err, models.ErrAmbiguousTarget):
		log.WarnContext(ctx, "ambiguous team name", slog.Any("error", err))
		return r.outcome(d, models.StatusFailed, err.Error())
	case errors.Is(err, models.ErrNotFound):
		// Unmatched names still go through the custom-group strategies.
		log.DebugContext(ctx, "team name not resolved, trying custom groups")
	case err != nil:
		return r.outcome(d, classify(err), "resolve team: "+err.Error())
	}

	if err := r.operator.Apply(ctx, d, target); err != nil {
		if target.Kind == resolve.KindUnknown && d.Action == models.ActionRemove && errors.Is(err, models.ErrNotFound) {
			return r.outcome(d, models.StatusFailed, fmt.Sprintf("team or group %q not found", d.TeamName))
		}
		return r.outcome(d, classify(err), err.Error())
	}

	verb := "added to"
	if d.Action == models.ActionRemove {
		verb = "removed from"
	}
	kind := string(target.Kind)
	if target.Kind == resolve.KindUnknown {
		kind = "group"
	}
	detail := fmt.Sprintf("%s %s %q", verb, kind, target.Name)
	if target.Kind != resolve.KindUnknown {
		// Exact and case-insensitive names classify; anything else was a partial match.
		if exact, err := r.resolver.Classify(ctx, d.TeamName); err == nil && exact == resolve.KindUnknown {
			log.InfoContext(ctx, "team name matched partially", slog.String("matched", target.Name))
			detail += fmt.Sprintf(" (partial match for %q)", d.TeamName)
		}
	}
	return r.outcome(d, models.StatusSuccess, detail)
}

func (r *Reconciler) outcome(d models.Directive, status models.Status, detail string) models.OperationOutcome {
	return models.OperationOutcome{Directive: d, Status: status, Detail: detail, Timestamp: r.opts.now()}
}

// classify maps an error to an outcome status. Known API and resolution failures
// are Failed, anything else is Error.
func classify(err error) models.Status {
	var exhausted *membership.ExhaustedError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.StatusError
	case errors.As(err, &exhausted),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrAmbiguousTarget),
		errors.Is(err, models.ErrPermission),
		errors.Is(err, models.ErrTransient),
		errors.Is(err, models.ErrNotImplemented):
		return models.StatusFailed
	default:
		return models.StatusError
	}
}

// Elapsed returns the wall time of a finished report.
func Elapsed(r *models.Report) time.Duration {
	if r == nil || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
