package client

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// doWithRetry executes an HTTP request with exponential backoff retry.
// It will retry on transport errors and retryable status codes (408, 429, 500, 502, 503, 504).
// Backoff: initialBackoff -> initialBackoff*2 -> initialBackoff*4 (with jitter)
// The final retryable response is returned to the caller unchanged.
func (a *Adapter) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	backoff := a.opts.retryBackoff

	for attempt := 0; attempt < a.opts.retryMax; attempt++ {
		// Reset body reader for retries (if body exists)
		if attempt > 0 && req.GetBody != nil {
			newBody, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = newBody
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			// Network error - retry
			lastErr = err
			a.logRetry(ctx, req, attempt, 0, err)
			if !a.shouldRetry(ctx, attempt, backoff) {
				return nil, lastErr
			}
			backoff = a.nextBackoff(backoff)
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < a.opts.retryMax-1 {
			// Read and discard body before retry
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			a.logRetry(ctx, req, attempt, resp.StatusCode, nil)
			if !a.shouldRetry(ctx, attempt, backoff) {
				return nil, ctx.Err()
			}
			backoff = a.nextBackoff(backoff)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// shouldRetry returns true if we should attempt another retry.
// It waits for the backoff duration respecting context cancellation.
func (a *Adapter) shouldRetry(ctx context.Context, attempt int, backoff time.Duration) bool {
	// Don't retry if this is the last attempt
	if attempt >= a.opts.retryMax-1 {
		return false
	}

	// Wait with context cancellation support
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextBackoff calculates the next backoff duration with jitter.
// Formula: currentBackoff * 2 + random(0, currentBackoff/2)
func (a *Adapter) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if half := int64(current / 2); half > 0 {
		next += time.Duration(rand.Int64N(half))
	}
	return next
}

func (a *Adapter) logRetry(ctx context.Context, req *http.Request, attempt, status int, err error) {
	if a.opts.logger == nil {
		return
	}
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("attempt", attempt+1),
	}
	if status != 0 {
		attrs = append(attrs, slog.Int("status", status))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	a.opts.logger.DebugContext(ctx, "retryable request failure", attrs...)
}

// isRetryableStatus returns true for HTTP status codes that warrant a retry.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
