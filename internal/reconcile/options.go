package reconcile

import (
	"log/slog"
	"time"

	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/internal/invite"
	"github.com/vaintrub/azdo-roster/internal/membership"
	"github.com/vaintrub/azdo-roster/models"
)

// DefaultMaxWait bounds the pending-invitation drain at the end of a run.
const DefaultMaxWait = 30 * time.Second

// Progress is reported after every directive.
type Progress struct {
	Index   int // 1-based
	Total   int
	Status  string
	Outcome models.OperationOutcome
}

// ProgressFunc receives progress updates. It runs on the reconciler's goroutine.
type ProgressFunc func(Progress)

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	logLine      func(string)
	logLineLevel slog.Level
	progress     ProgressFunc
	maxWait      time.Duration
	now          func() time.Time
	directory    *cache.Directory
	cacheOpts    []cache.Option
	inviteOpts   []invite.Option
	memberOpts   []membership.Option
}

func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		logLineLevel: slog.LevelInfo,
		maxWait:      DefaultMaxWait,
		now:          time.Now,
	}
}

// WithLogger sets the structured logger. Nil values are ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogLine also renders every log record at or above level as a single line
// and passes it to fn.
func WithLogLine(fn func(string), level slog.Level) Option {
	return func(o *options) {
		o.logLine = fn
		o.logLineLevel = level
	}
}

// WithProgress sets the per-directive progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithMaxWait bounds how long a run waits for pending invitations to propagate.
// Zero skips the wait.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.maxWait = d
		}
	}
}

// WithClock replaces time.Now for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDirectory shares an existing directory cache, e.g. across scheduled runs.
func WithDirectory(d *cache.Directory) Option {
	return func(o *options) {
		o.directory = d
	}
}

// WithCacheOptions configures the directory cache the reconciler creates.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// WithInviteOptions configures the invitation coordinator of each run.
func WithInviteOptions(opts ...invite.Option) Option {
	return func(o *options) {
		o.inviteOpts = append(o.inviteOpts, opts...)
	}
}

// WithMembershipOptions configures the membership operator.
func WithMembershipOptions(opts ...membership.Option) Option {
	return func(o *options) {
		o.memberOpts = append(o.memberOpts, opts...)
	}
}
