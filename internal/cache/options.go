package cache

import (
	"log/slog"
	"time"
)

// Option configures a Collection or Directory.
type Option func(*options)

type options struct {
	ttl       time.Duration
	now       func() time.Time
	store     Store
	keyPrefix string
	logger    *slog.Logger
}

func defaultOptions() *options {
	return &options{
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithTTL sets how long a fetched collection stays valid. Values <= 0 are ignored.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStore adds a shared second tier consulted before the source.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithKeyPrefix namespaces store keys, e.g. per organization and project.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithLogger sets the logger. Nil values are ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
