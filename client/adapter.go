package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/vaintrub/azdo-roster/models"
)

// Adapter implements the Client interface for Azure DevOps Services.
type Adapter struct {
	endpoint             string // https://dev.azure.com/{org}
	entitlementsEndpoint string
	graphEndpoint        string
	organization         string
	project              string
	credential           Credential
	httpClient           *http.Client
	opts                 *options

	projectMu     sync.Mutex
	cachedProject *models.Project
}

// New creates a new Azure DevOps client with the provided options.
// Returns an error if required parameters are missing or the credential is already expired.
func New(organizationURL, project, token string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(organizationURL) == "" {
		return nil, &ValidationError{Field: "organizationURL", Message: "cannot be empty"}
	}
	if strings.TrimSpace(project) == "" {
		return nil, &ValidationError{Field: "project", Message: "cannot be empty"}
	}

	endpoint, organization, err := NormalizeOrganizationURL(organizationURL)
	if err != nil {
		return nil, err
	}

	// Apply options
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	credential, err := ParseCredential(token)
	if err != nil {
		return nil, err
	}
	if credential.Expired(o.now()) {
		return nil, &ValidationError{Field: "token", Message: fmt.Sprintf("bearer token expired at %s", credential.ExpiresAt.UTC().Format("2006-01-02 15:04:05Z"))}
	}

	// Create HTTP client with proper connection pooling
	httpClient := o.httpClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = 100
		transport.MaxIdleConnsPerHost = 100
		transport.MaxConnsPerHost = 100
		transport.ResponseHeaderTimeout = o.responseHeaderTimeout
		transport.IdleConnTimeout = o.idleConnTimeout
		httpClient = &http.Client{
			Timeout:   o.timeout,
			Transport: transport,
		}
	}

	entitlements := o.entitlementsEndpoint
	if entitlements == "" {
		entitlements = "https://vsaex.dev.azure.com/" + organization
	}
	graph := o.graphEndpoint
	if graph == "" {
		graph = "https://vssps.dev.azure.com/" + organization
	}

	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return &Adapter{
		endpoint:             endpoint,
		entitlementsEndpoint: strings.TrimSuffix(entitlements, "/"),
		graphEndpoint:        strings.TrimSuffix(graph, "/"),
		organization:         organization,
		project:              strings.TrimSpace(project),
		credential:           credential,
		httpClient:           httpClient,
		opts:                 o,
	}, nil
}

// NormalizeOrganizationURL trims trailing slashes, adds https:// when no scheme is given
// and returns the organization name (last path segment).
func NormalizeOrganizationURL(raw string) (endpoint, organization string, err error) {
	endpoint = strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		endpoint = "https://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", "", &ValidationError{Field: "organizationURL", Message: fmt.Sprintf("invalid url %q", raw)}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	organization = segments[len(segments)-1]
	if organization == "" {
		// Legacy https://{org}.visualstudio.com form
		organization, _, _ = strings.Cut(u.Host, ".")
	}
	return endpoint, organization, nil
}

// Organization returns the organization name.
func (a *Adapter) Organization() string {
	return a.organization
}

// Project returns the configured project name.
func (a *Adapter) Project() string {
	return a.project
}

// TestConnection lists the organization's projects and checks the configured project is among them.
func (a *Adapter) TestConnection(ctx context.Context) error {
	var resp struct {
		Value []models.Project `json:"value"`
	}
	err := a.doJSON(ctx, requestConfig{
		method: http.MethodGet,
		path:   "/_apis/projects",
		query:  url.Values{"$top": {"1000"}},
	}, &resp)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	names := make([]string, 0, len(resp.Value))
	for _, p := range resp.Value {
		if strings.EqualFold(p.Name, a.project) {
			return nil
		}
		names = append(names, p.Name)
	}
	return fmt.Errorf("project %q not found (available: %s): %w", a.project, strings.Join(names, ", "), ErrNotFound)
}

// GetProject returns the configured project. The result is cached after the first success.
func (a *Adapter) GetProject(ctx context.Context) (*models.Project, error) {
	a.projectMu.Lock()
	defer a.projectMu.Unlock()

	if a.cachedProject != nil {
		p := *a.cachedProject
		return &p, nil
	}

	var project models.Project
	err := a.doJSON(ctx, requestConfig{
		method:     http.MethodGet,
		path:       "/_apis/projects/%s",
		pathParams: []string{a.project},
	}, &project)
	if err != nil {
		return nil, fmt.Errorf("get project %q: %w", a.project, err)
	}
	if project.ID == "" {
		return nil, fmt.Errorf("get project %q: response has no id", a.project)
	}

	a.cachedProject = &project
	p := project
	return &p, nil
}
