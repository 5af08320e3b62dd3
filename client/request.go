package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vaintrub/azdo-roster/models"
)

// apiHost selects which Azure DevOps host serves a request.
type apiHost int

const (
	hostCore         apiHost = iota // https://dev.azure.com/{org}
	hostEntitlements                // https://vsaex.dev.azure.com/{org}
	hostGraph                       // https://vssps.dev.azure.com/{org}
)

// requestConfig contains parameters for an HTTP request.
type requestConfig struct {
	host        apiHost     // Base URL selector (default: core)
	method      string      // HTTP method (GET, POST, PUT, PATCH, DELETE)
	path        string      // URL path template, e.g. "/_apis/projects/%s/teams"
	pathParams  []string    // Parameters to substitute in path (will be URL-escaped)
	query       url.Values  // Query parameters (api-version is added automatically)
	body        interface{} // Request body (will be JSON-encoded)
	contentType string      // Body content type (default: application/json)
	expectCodes []int       // Expected HTTP status codes (default: 200)
}

// requestResult contains the full response from an HTTP request.
type requestResult struct {
	Body       []byte
	StatusCode int
	Headers    http.Header
}

// doRequest executes an API request with authentication, URL building, retry and error handling.
// Transport failures (including timeouts) are wrapped with models.ErrTransient.
func (a *Adapter) doRequest(ctx context.Context, cfg requestConfig) (*requestResult, error) {
	// 1. Build URL with escaped path parameters
	apiURL := a.buildURL(cfg.host, cfg.path, cfg.pathParams, a.withAPIVersion(cfg.host, cfg.query))

	// 2. Serialize body if present
	var bodyBytes []byte
	if cfg.body != nil {
		var err error
		bodyBytes, err = json.Marshal(cfg.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	// 3. Create request
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 4. Set headers
	req.Header.Set("Authorization", a.credential.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		contentType := cfg.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	// 5. Execute request
	resp, err := a.doWithRetry(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %w", models.ErrTransient, cfg.method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 6. Read response body (with size limit to prevent DoS)
	const maxResponseSize = 10 * 1024 * 1024 // 10MB
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", models.ErrTransient, err)
	}

	// 7. Check status code
	if !isExpectedStatus(resp.StatusCode, cfg.expectCodes) {
		activityID := resp.Header.Get("ActivityId")
		return nil, newAPIErrorFromResponse(resp.StatusCode, respBody, activityID)
	}

	return &requestResult{
		Body:       respBody,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}, nil
}

// doJSON executes an API request and unmarshals the JSON response into result.
func (a *Adapter) doJSON(ctx context.Context, cfg requestConfig, result interface{}) error {
	res, err := a.doRequest(ctx, cfg)
	if err != nil {
		return err
	}
	return decodeJSON(res.Body, result)
}

// doNoContent executes an API request whose response body is ignored.
func (a *Adapter) doNoContent(ctx context.Context, cfg requestConfig) error {
	_, err := a.doRequest(ctx, cfg)
	return err
}

// decodeJSON validates that body looks like JSON and unmarshals it into result.
func decodeJSON(body []byte, result interface{}) error {
	if result == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		// Azure DevOps answers sign-in pages with 200 when the credential is rejected
		preview := string(trimmed)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("expected JSON response but got: %s", preview)
	}
	if err := json.Unmarshal(trimmed, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// withAPIVersion returns a copy of query with the host's api-version added.
func (a *Adapter) withAPIVersion(host apiHost, query url.Values) url.Values {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	switch host {
	case hostEntitlements:
		q.Set("api-version", a.opts.entitlementsVersion)
	case hostGraph:
		q.Set("api-version", a.opts.graphVersion)
	default:
		q.Set("api-version", a.opts.coreAPIVersion)
	}
	return q
}

// buildURL constructs a full URL with escaped path parameters and query string.
func (a *Adapter) buildURL(host apiHost, pathTemplate string, pathParams []string, query url.Values) string {
	// Escape all path parameters
	var path string
	if len(pathParams) > 0 {
		escapedParams := make([]interface{}, len(pathParams))
		for i, p := range pathParams {
			escapedParams[i] = url.PathEscape(p)
		}
		path = fmt.Sprintf(pathTemplate, escapedParams...)
	} else {
		path = pathTemplate
	}

	var result string
	switch host {
	case hostEntitlements:
		result = a.entitlementsEndpoint + path
	case hostGraph:
		result = a.graphEndpoint + path
	default:
		result = a.endpoint + path
	}

	if len(query) > 0 {
		result += "?" + query.Encode()
	}

	return result
}
