package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Configuration constants
const (
	// credentialExpiryBuffer is how long before a bearer token's expiry it is considered unusable
	credentialExpiryBuffer = 60 * time.Second

	// Default configuration values
	defaultTimeout               = 30 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultRetryMax              = 3
	defaultRetryBackoff          = 500 * time.Millisecond
	defaultPageSize              = 100

	defaultCoreAPIVersion         = "7.1"
	defaultEntitlementsAPIVersion = "7.1-preview.3"
	defaultGraphAPIVersion        = "7.1-preview.1"
)

// Option configures the Adapter.
type Option func(*options)

// options holds the configuration for the Adapter.
type options struct {
	timeout               time.Duration // HTTP client timeout (default: 30s)
	responseHeaderTimeout time.Duration // Timeout for waiting for response headers (default: 30s)
	idleConnTimeout       time.Duration // How long idle connections stay in pool (default: 90s)
	retryMax              int           // Total attempts per request (default: 3)
	retryBackoff          time.Duration // Initial backoff duration (default: 500ms)
	pageSize              int           // Page size for $top paging (default: 100)
	httpClient            *http.Client  // Custom HTTP client (overrides all timeout options if set)
	logger                *slog.Logger  // Optional structured logger
	entitlementsEndpoint  string        // User entitlements host (default: https://vsaex.dev.azure.com/{org})
	graphEndpoint         string        // Graph host (default: https://vssps.dev.azure.com/{org})
	coreAPIVersion        string
	entitlementsVersion   string
	graphVersion          string
	now                   func() time.Time
}

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		timeout:               defaultTimeout,
		responseHeaderTimeout: defaultResponseHeaderTimeout,
		idleConnTimeout:       defaultIdleConnTimeout,
		retryMax:              defaultRetryMax,
		retryBackoff:          defaultRetryBackoff,
		pageSize:              defaultPageSize,
		coreAPIVersion:        defaultCoreAPIVersion,
		entitlementsVersion:   defaultEntitlementsAPIVersion,
		graphVersion:          defaultGraphAPIVersion,
		now:                   time.Now,
	}
}

// WithTimeout sets the HTTP client timeout applied to every call.
// Values <= 0 are ignored (default is used).
// Default: 30s
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithResponseHeaderTimeout sets the timeout for waiting for response headers.
// Default: 30s. Values <= 0 are ignored.
// Note: This option is ignored when WithHTTPClient is used.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.responseHeaderTimeout = d
		}
	}
}

// WithIdleConnTimeout sets how long idle connections stay in the connection pool.
// Default: 90s. Values <= 0 are ignored.
// Note: This option is ignored when WithHTTPClient is used.
func WithIdleConnTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleConnTimeout = d
		}
	}
}

// WithRetry configures retry behavior with exponential backoff.
// maxAttempts is the total number of attempts (including the first one).
// backoff is the initial backoff duration, which doubles after each failed attempt.
// Default: 3 attempts, 500ms initial backoff
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(o *options) {
		if maxAttempts > 0 {
			o.retryMax = maxAttempts
		}
		if backoff > 0 {
			o.retryBackoff = backoff
		}
	}
}

// WithPageSize sets the $top page size for paged list endpoints.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
// When set, this overrides timeout, responseHeaderTimeout, and idleConnTimeout options.
// Nil values are ignored.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger sets a structured logger for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithEntitlementsEndpoint overrides the user entitlements base URL.
// Default: https://vsaex.dev.azure.com/{organization}
func WithEntitlementsEndpoint(endpoint string) Option {
	return func(o *options) {
		if endpoint != "" {
			o.entitlementsEndpoint = endpoint
		}
	}
}

// WithGraphEndpoint overrides the graph base URL.
// Default: https://vssps.dev.azure.com/{organization}
func WithGraphEndpoint(endpoint string) Option {
	return func(o *options) {
		if endpoint != "" {
			o.graphEndpoint = endpoint
		}
	}
}

// WithAPIVersions overrides the api-version query values. Empty values keep the defaults.
func WithAPIVersions(core, entitlements, graph string) Option {
	return func(o *options) {
		if core != "" {
			o.coreAPIVersion = core
		}
		if entitlements != "" {
			o.entitlementsVersion = entitlements
		}
		if graph != "" {
			o.graphVersion = graph
		}
	}
}

// withClock replaces time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
