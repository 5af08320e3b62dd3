package client

import "context"

// Page is one page of a listing together with the token that fetches the next one.
// An empty ContinuationToken marks the last page.
type Page[T any] struct {
	Items             []T
	ContinuationToken string
}

// PageFetcher fetches the page identified by token. The first call receives "".
type PageFetcher[T any] func(ctx context.Context, token string) (Page[T], error)

// Iterator walks a continuation-token paged listing.
// Usage:
//
//	iter := adapter.UserEntitlementsIter()
//	for iter.Next(ctx) {
//	    user := iter.Item()
//	}
//	if err := iter.Err(); err != nil {
//	    return err
//	}
type Iterator[T any] struct {
	fetch   PageFetcher[T]
	items   []T
	index   int
	token   string
	fetched bool
	err     error
	done    bool
}

// NewIterator creates an iterator over the pages returned by fetch.
func NewIterator[T any](fetch PageFetcher[T]) *Iterator[T] {
	return &Iterator[T]{fetch: fetch, index: -1}
}

// Next advances the iterator to the next item.
// Returns false when iteration is complete or an error occurred.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	for {
		// If we have more items in current page
		if it.index < len(it.items)-1 {
			it.index++
			return true
		}
		if it.done || (it.fetched && it.token == "") {
			it.done = true
			return false
		}

		page, err := it.fetch(ctx, it.token)
		if err != nil {
			it.err = err
			return false
		}
		it.fetched = true
		// Guard against servers that echo the same token forever
		if page.ContinuationToken != "" && page.ContinuationToken == it.token {
			page.ContinuationToken = ""
		}
		it.token = page.ContinuationToken
		it.items = page.Items
		it.index = -1
		if len(page.Items) == 0 && it.token == "" {
			it.done = true
			return false
		}
	}
}

// Item returns the current item. Must be called after Next returns true.
func (it *Iterator[T]) Item() T {
	var zero T
	if it.index < 0 || it.index >= len(it.items) {
		return zero
	}
	return it.items[it.index]
}

// Err returns any error that occurred during iteration.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Collect fetches all remaining items and returns them as a slice.
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var all []T
	for it.Next(ctx) {
		all = append(all, it.Item())
	}
	return all, it.Err()
}
