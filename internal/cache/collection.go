// Package cache holds the directory snapshots shared by every phase of a run.
//
// A Collection is replaced wholesale: readers see either no value or a complete
// snapshot fetched within the TTL, never a partial update.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched collection stays valid.
const DefaultTTL = 300 * time.Second

// FetchFunc loads a full collection from its source.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// entry is an immutable snapshot.
type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// snapshot is the serialized form kept in a Store.
type snapshot[T any] struct {
	Value     T         `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Collection is a TTL-bound cache of one collection.
// Concurrent Get calls on an empty or stale collection share a single fetch.
type Collection[T any] struct {
	key    string
	ttl    time.Duration
	fetch  FetchFunc[T]
	now    func() time.Time
	store  Store
	logger *slog.Logger

	group   singleflight.Group
	current atomic.Pointer[entry[T]]
	// generation is bumped by Invalidate so that a fetch started before the
	// invalidation does not install its result.
	generation atomic.Uint64
	// skipStore makes the next fill ignore the shared tier.
	skipStore atomic.Bool
	fetches   atomic.Int64
}

// NewCollection creates a collection named key that loads values with fetch.
func NewCollection[T any](key string, fetch FetchFunc[T], opts ...Option) *Collection[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Collection[T]{
		key:    o.keyPrefix + key,
		ttl:    o.ttl,
		fetch:  fetch,
		now:    o.now,
		store:  o.store,
		logger: o.logger,
	}
}

// Key returns the store key of the collection.
func (c *Collection[T]) Key() string {
	return c.key
}

// Fetches returns how many times the source fetch function has been called.
func (c *Collection[T]) Fetches() int64 {
	return c.fetches.Load()
}

func (c *Collection[T]) valid(e *entry[T]) bool {
	return e != nil && c.now().Sub(e.fetchedAt) < c.ttl
}

// Get returns the cached collection, fetching it when absent or stale.
func (c *Collection[T]) Get(ctx context.Context) (T, error) {
	if e := c.current.Load(); c.valid(e) {
		return e.value, nil
	}

	v, err, _ := c.group.Do(c.key, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited.
		if e := c.current.Load(); c.valid(e) {
			return e, nil
		}
		return c.fill(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(*entry[T]).value, nil
}

func (c *Collection[T]) fill(ctx context.Context) (*entry[T], error) {
	gen := c.generation.Load()

	if c.store != nil && !c.skipStore.Load() {
		if e, ok := c.loadShared(ctx); ok {
			c.install(gen, e)
			return e, nil
		}
	}

	c.fetches.Add(1)
	value, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.key, err)
	}
	e := &entry[T]{value: value, fetchedAt: c.now()}
	if c.install(gen, e) {
		c.skipStore.Store(false)
		c.saveShared(ctx, e)
	}
	c.logger.DebugContext(ctx, "cache filled", slog.String("key", c.key))
	return e, nil
}

// install replaces the current entry unless Invalidate ran since gen was read.
func (c *Collection[T]) install(gen uint64, e *entry[T]) bool {
	if c.generation.Load() != gen {
		return false
	}
	c.current.Store(e)
	return true
}

// Invalidate drops the cached value so the next Get refetches from the source.
func (c *Collection[T]) Invalidate(ctx context.Context) {
	c.generation.Add(1)
	c.current.Store(nil)
	if c.store == nil {
		return
	}
	c.skipStore.Store(true)
	if err := c.store.Delete(ctx, c.key); err != nil {
		c.logger.WarnContext(ctx, "shared cache delete failed", slog.String("key", c.key), slog.Any("error", err))
	}
}

func (c *Collection[T]) loadShared(ctx context.Context) (*entry[T], bool) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.WarnContext(ctx, "shared cache read failed", slog.String("key", c.key), slog.Any("error", err))
		}
		return nil, false
	}
	var s snapshot[T]
	if err := json.Unmarshal(data, &s); err != nil {
		c.logger.WarnContext(ctx, "shared cache entry is corrupt", slog.String("key", c.key), slog.Any("error", err))
		return nil, false
	}
	e := &entry[T]{value: s.Value, fetchedAt: s.FetchedAt}
	if !c.valid(e) {
		return nil, false
	}
	return e, true
}

func (c *Collection[T]) saveShared(ctx context.Context, e *entry[T]) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(snapshot[T]{Value: e.value, FetchedAt: e.fetchedAt})
	if err != nil {
		c.logger.WarnContext(ctx, "shared cache encode failed", slog.String("key", c.key), slog.Any("error", err))
		return
	}
	if err := c.store.Set(ctx, c.key, data, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "shared cache write failed", slog.String("key", c.key), slog.Any("error", err))
	}
}
