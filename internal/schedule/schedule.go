// Package schedule re-runs a desired-state directive file on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaintrub/azdo-roster/models"
)

// Runner reconciles a directive file.
type Runner interface {
	RunFile(ctx context.Context, path string) (*models.Report, error)
}

// ReportFunc receives the report of every completed run.
type ReportFunc func(*models.Report)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Nil values are ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReport sets a callback for completed runs.
func WithReport(fn ReportFunc) Option {
	return func(s *Scheduler) {
		s.onReport = fn
	}
}

// WithRunTimeout bounds a single run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.runTimeout = d
		}
	}
}

// Scheduler runs one directive file on a schedule. Overlapping runs are skipped.
type Scheduler struct {
	runner     Runner
	path       string
	logger     *slog.Logger
	onReport   ReportFunc
	runTimeout time.Duration
	cron       *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// New creates a Scheduler for path.
func New(runner Runner, path string, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		path:   path,
		logger: slog.Default(),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Add registers a standard five-field cron spec or a descriptor such as "@every 1h".
func (s *Scheduler) Add(spec string) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() { _, _ = s.RunOnce(s.context()) })
	if err != nil {
		return 0, fmt.Errorf("%w: schedule %q: %w", models.ErrConfiguration, spec, err)
	}
	return id, nil
}

// Next returns the next activation time, zero when nothing is scheduled.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		n := e.Schedule.Next(time.Now())
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}

// Start runs the scheduler until ctx is done, then waits for a running job to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.String("file", s.path), slog.Time("next", s.Next()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// RunOnce reconciles the file immediately. Errors are logged and returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.Report, error) {
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	report, err := s.runner.RunFile(ctx, s.path)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled run failed", slog.String("file", s.path), slog.Any("error", err))
		return nil, err
	}
	if s.onReport != nil {
		s.onReport(report)
	}
	return report, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
