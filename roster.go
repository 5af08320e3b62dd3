// Package roster provisions Azure DevOps team and security-group memberships in bulk.
//
// Basic usage:
//
//	import roster "github.com/vaintrub/azdo-roster"
//
//	settings, err := roster.LoadSettings("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r, err := roster.New(ctx, settings)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	report, err := r.RunFile(ctx, "users.csv")
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/internal/config"
	"github.com/vaintrub/azdo-roster/internal/directives"
	"github.com/vaintrub/azdo-roster/internal/invite"
	"github.com/vaintrub/azdo-roster/internal/reconcile"
	"github.com/vaintrub/azdo-roster/models"
)

// Re-export model types for convenient access
type (
	// Directive is one requested membership change.
	Directive = models.Directive
	// Action is Add or Remove.
	Action = models.Action
	// Role is the requested role inside a team.
	Role = models.Role
	// License is the organization access level for invitations.
	License = models.License
	// Report is the result of one run.
	Report = models.Report
	// OperationOutcome records what happened to one directive.
	OperationOutcome = models.OperationOutcome
	// Status is Success, Failed or Error.
	Status = models.Status

	// Settings holds everything needed to reach one project.
	Settings = config.Settings
	// Progress is reported after every directive.
	Progress = reconcile.Progress
	// ProgressFunc receives progress updates.
	ProgressFunc = reconcile.ProgressFunc
)

const (
	ActionAdd    = models.ActionAdd
	ActionRemove = models.ActionRemove

	StatusSuccess = models.StatusSuccess
	StatusFailed  = models.StatusFailed
	StatusError   = models.StatusError
)

// Re-export sentinel errors
var (
	// ErrConfiguration indicates missing or invalid settings.
	ErrConfiguration = models.ErrConfiguration
	// ErrConnectivity indicates the organization or project could not be reached.
	ErrConnectivity = models.ErrConnectivity
	// ErrAmbiguousTarget indicates a team name matched more than one team or group.
	ErrAmbiguousTarget = models.ErrAmbiguousTarget
	// ErrNotFound indicates a team, group or user that does not exist.
	ErrNotFound = models.ErrNotFound
	// ErrTransient indicates a failure that may succeed on retry.
	ErrTransient = models.ErrTransient
	// ErrPermission indicates the credential lacks the required rights.
	ErrPermission = models.ErrPermission
	// ErrInvalidSheet indicates a directive file with rejected rows.
	ErrInvalidSheet = directives.ErrInvalidSheet
)

// LoadSettings reads settings from an optional config file, .env files and AZDO_* variables.
func LoadSettings(configFile string, envFiles ...string) (*Settings, error) {
	return config.Load(configFile, envFiles...)
}

// Roster reconciles directives against one Azure DevOps project.
type Roster struct {
	settings   Settings
	client     *client.Adapter
	reconciler *reconcile.Reconciler
	store      *cache.RedisStore
}

// New validates settings and wires the client, the directory cache and the reconciler.
// When settings.RedisURL is set the directory cache is shared through Redis.
func New(ctx context.Context, settings *Settings, opts ...Option) (*Roster, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings are required", models.ErrConfiguration)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger

	clientOpts := []client.Option{
		client.WithTimeout(settings.RequestTimeout),
		client.WithRetry(settings.RetryMax, settings.RetryBackoff),
		client.WithLogger(logger),
		client.WithEntitlementsEndpoint(settings.EntitlementsURL),
		client.WithGraphEndpoint(settings.GraphURL),
	}
	api, err := client.New(settings.OrganizationURL, settings.Project, settings.Token, append(clientOpts, o.clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}

	cacheOpts := []cache.Option{cache.WithTTL(settings.CacheTTL)}
	var store *cache.RedisStore
	if settings.RedisURL != "" {
		store, err = cache.NewRedisStore(ctx, settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis_url: %w", models.ErrConfiguration, err)
		}
		cacheOpts = append(cacheOpts,
			cache.WithStore(store),
			cache.WithKeyPrefix(keyPrefix(api.Organization(), api.Project())),
		)
	}

	reconcileOpts := []reconcile.Option{
		reconcile.WithLogger(logger),
		reconcile.WithMaxWait(settings.MaxWait),
		reconcile.WithCacheOptions(cacheOpts...),
		reconcile.WithInviteOptions(
			invite.WithLicense(settings.DefaultLicense()),
			invite.WithSettleInterval(settings.InviteSettle),
			invite.WithPollInterval(settings.SettleInterval),
		),
	}
	if o.logLine != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithLogLine(o.logLine, o.logLineLevel))
	}
	if o.progress != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithProgress(o.progress))
	}

	return &Roster{
		settings:   *settings,
		client:     api,
		reconciler: reconcile.New(api, append(reconcileOpts, o.reconcileOpts...)...),
		store:      store,
	}, nil
}

// keyPrefix namespaces shared cache entries per organization and project.
func keyPrefix(organization, project string) string {
	return strings.ToLower(organization) + ":" + strings.ToLower(project) + ":"
}

// Check verifies that the organization is reachable and the project exists.
func (r *Roster) Check(ctx context.Context) error {
	return r.reconciler.TestConnectivity(ctx)
}

// Run reconciles directives in order. Only connectivity failures are returned as errors;
// everything else is recorded in the report.
func (r *Roster) Run(ctx context.Context, ds []Directive) (*Report, error) {
	return r.reconciler.Run(ctx, ds)
}

// ReadDirectives reads a .csv, .yaml or .yml directive file. Rows without a
// License Type get the configured default license.
func (r *Roster) ReadDirectives(path string) ([]Directive, error) {
	return directives.ReadFile(path, directives.Options{DefaultLicense: r.settings.DefaultLicense()})
}

// RunFile reads a directive file and runs it.
func (r *Roster) RunFile(ctx context.Context, path string) (*Report, error) {
	ds, err := r.ReadDirectives(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, ds)
}

// Refresh drops every cached directory collection so the next run refetches.
func (r *Roster) Refresh(ctx context.Context) {
	r.reconciler.Directory().Invalidate(ctx)
}

// Settings returns a copy of the settings the Roster was built with.
func (r *Roster) Settings() Settings {
	return r.settings
}

// Logger returns the logger shared by every component, including the log-line callback.
func (r *Roster) Logger() *slog.Logger {
	return r.reconciler.Logger()
}

// Close releases the Redis connection, if any.
func (r *Roster) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
