// Package invite makes sure users exist in the organization before their team
// memberships are changed.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/models"
)

// DefaultSettleInterval is the pause between an invitation and re-reading the directory.
const DefaultSettleInterval = 3 * time.Second

// API is the subset of client.Client used for invitations.
type API interface {
	GetProject(ctx context.Context) (*models.Project, error)
	InviteUser(ctx context.Context, inv models.Invitation) error
	InviteUsers(ctx context.Context, invs []models.Invitation) ([]models.InvitationResult, error)
}

// Directory is the cached member directory, normally a *cache.Directory.
type Directory interface {
	Users(ctx context.Context) ([]models.DirectoryUser, error)
	LookupUser(ctx context.Context, email string) (models.DirectoryUser, bool, error)
	Invalidate(ctx context.Context, kinds ...cache.Kind)
}

// Membership describes the organization membership of one user after EnsureMember.
type Membership struct {
	User models.DirectoryUser
	// Present is true when the user is visible in the directory.
	Present bool
	// Entitled is true when an invitation with an inline project entitlement succeeded.
	// The caller skips the remaining membership steps.
	Entitled bool
	// Pending is true when the user was invited earlier in the run and is not yet visible.
	Pending bool
	// Invited is true when EnsureMember itself submitted an invitation.
	Invited bool
}

// BatchResult is the outcome of InviteMany.
type BatchResult struct {
	// Success maps every distinct normalized email to whether it is, or was invited into, the organization.
	Success map[string]bool
	Existing int
	Invited  int
	Failed   int
	// Calls is the number of invitation requests issued (0 or 1).
	Calls int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLicense sets the access level for invitations without a per-directive override.
func WithLicense(l models.License) Option {
	return func(c *Coordinator) {
		if l != "" {
			c.license = l
		}
	}
}

// WithSettleInterval sets the pause after an invitation before the directory is re-read.
func WithSettleInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.settle = d
		}
	}
}

// WithPollInterval sets the first wait of the pending-invitation drain. It defaults
// to the settle interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithClock replaces time.Now and the sleep function.
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Coordinator invites missing users and tracks invitations still propagating.
type Coordinator struct {
	api     API
	dir     Directory
	logger  *slog.Logger
	license models.License
	settle  time.Duration
	poll    time.Duration
	now     func() time.Time
	sleep   SleepFunc
	pending *Queue
}

// New creates a Coordinator.
func New(api API, dir Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:     api,
		dir:     dir,
		logger:  slog.Default(),
		license: models.LicenseStakeholder,
		settle:  DefaultSettleInterval,
		now:     time.Now,
		sleep:   Sleep,
		pending: NewQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.poll == 0 {
		c.poll = c.settle
	}
	return c
}

// Pending returns the queue of invitations not yet visible in the directory.
func (c *Coordinator) Pending() *Queue {
	return c.pending
}

func (c *Coordinator) licenseFor(d models.Directive) models.License {
	if d.License != "" {
		return d.License
	}
	return c.license
}

// EnsureMember makes sure the directive's user belongs to the organization.
//
// An existing user is returned as is. An email already invited in this run is
// re-checked after the settle interval without a second invitation. Otherwise the
// user is invited with an inline project entitlement for the directive's role; if
// that is rejected a plain invitation follows, then the directory is re-read once.
func (c *Coordinator) EnsureMember(ctx context.Context, d models.Directive) (Membership, error) {
	email := models.NormalizeEmail(d.UserEmail)

	user, found, err := c.dir.LookupUser(ctx, email)
	if err != nil {
		return Membership{}, fmt.Errorf("look up %s: %w", email, err)
	}
	if found {
		return Membership{User: user, Present: true}, nil
	}

	if c.pending.Contains(email) {
		m, err := c.recheck(ctx, email)
		if err != nil {
			return Membership{}, err
		}
		if !m.Present {
			m.Pending = true
		}
		return m, nil
	}

	err = c.inviteWithEntitlement(ctx, d, email)
	if err == nil {
		c.pending.Add(email)
		c.logger.InfoContext(ctx, "invited with project entitlement",
			slog.String("email", email), slog.String("group_type", string(d.Role.GroupType())))
		return Membership{Entitled: true, Invited: true}, nil
	}
	if ctx.Err() != nil {
		return Membership{}, ctx.Err()
	}
	c.logger.InfoContext(ctx, "entitlement invitation rejected, trying plain invitation",
		slog.String("email", email), slog.Any("error", err))

	if err := c.api.InviteUser(ctx, models.Invitation{Email: email, License: c.licenseFor(d)}); err != nil {
		return Membership{}, fmt.Errorf("invite %s: %w", email, err)
	}
	c.pending.Add(email)

	m, err := c.recheck(ctx, email)
	if err != nil {
		return Membership{}, err
	}
	m.Invited = true
	if !m.Present {
		return m, fmt.Errorf("%s not visible in the organization after invitation: %w", email, models.ErrNotFound)
	}
	return m, nil
}

func (c *Coordinator) inviteWithEntitlement(ctx context.Context, d models.Directive, email string) error {
	project, err := c.api.GetProject(ctx)
	if err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	return c.api.InviteUser(ctx, models.Invitation{
		Email:     email,
		License:   c.licenseFor(d),
		ProjectID: project.ID,
		GroupType: d.Role.GroupType(),
	})
}

// recheck waits the settle interval, refetches the directory and looks the user up once.
func (c *Coordinator) recheck(ctx context.Context, email string) (Membership, error) {
	if err := c.sleep(ctx, c.settle); err != nil {
		return Membership{}, err
	}
	c.dir.Invalidate(ctx, cache.KindUsers)
	user, found, err := c.dir.LookupUser(ctx, email)
	if err != nil {
		return Membership{}, fmt.Errorf("look up %s: %w", email, err)
	}
	if found {
		c.pending.Remove(email)
	}
	return Membership{User: user, Present: found}, nil
}

// InviteMany classifies the Add directives' emails against one directory read and
// submits a single batched invitation for the missing ones.
func (c *Coordinator) InviteMany(ctx context.Context, directives []models.Directive) (BatchResult, error) {
	res := BatchResult{Success: make(map[string]bool)}

	var invs []models.Invitation
	seen := make(map[string]bool)
	users, err := c.dir.Users(ctx)
	if err != nil {
		return res, fmt.Errorf("load directory: %w", err)
	}
	existing := make(map[string]bool, len(users))
	for _, u := range users {
		existing[u.Email] = true
	}

	for _, d := range directives {
		if d.Action != models.ActionAdd {
			continue
		}
		email := models.NormalizeEmail(d.UserEmail)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		if existing[email] {
			res.Success[email] = true
			res.Existing++
			continue
		}
		invs = append(invs, models.Invitation{Email: email, License: c.licenseFor(d)})
	}

	if len(invs) == 0 {
		return res, nil
	}

	res.Calls = 1
	results, err := c.api.InviteUsers(ctx, invs)
	if err != nil {
		for _, inv := range invs {
			res.Success[inv.Email] = false
		}
		res.Failed = len(invs)
		return res, fmt.Errorf("batch invitation: %w", err)
	}

	for _, r := range results {
		email := models.NormalizeEmail(r.Email)
		res.Success[email] = r.Success
		if r.Success {
			res.Invited++
			c.pending.Add(email)
		} else {
			res.Failed++
			c.logger.WarnContext(ctx, "invitation failed", slog.String("email", email), slog.Any("errors", r.Errors))
		}
	}
	if res.Invited > 0 {
		c.dir.Invalidate(ctx, cache.KindUsers)
	}

	c.logger.InfoContext(ctx, "batch invitation complete",
		slog.Int("existing", res.Existing), slog.Int("invited", res.Invited), slog.Int("failed", res.Failed))
	return res, nil
}

// Drain polls the directory until every pending invitation is visible or maxWait
// elapses. It returns how many invitations became visible and how many remain.
func (c *Coordinator) Drain(ctx context.Context, maxWait time.Duration) (processed, remaining int, err error) {
	if c.pending.Len() == 0 {
		return 0, 0, nil
	}

	deadline := c.now().Add(maxWait)
	err = Poll(ctx, deadline, DefaultBackoff(c.poll), c.now, c.sleep, func(ctx context.Context) (bool, error) {
		c.dir.Invalidate(ctx, cache.KindUsers)
		for _, email := range c.pending.Snapshot() {
			_, found, err := c.dir.LookupUser(ctx, email)
			if err != nil {
				return false, err
			}
			if found {
				c.pending.Remove(email)
				processed++
				c.logger.DebugContext(ctx, "invitation propagated", slog.String("email", email))
			}
		}
		return c.pending.Len() == 0, nil
	})

	remaining = c.pending.Len()
	if errors.Is(err, ErrDeadline) {
		c.logger.InfoContext(ctx, "pending invitations still propagating", slog.Int("remaining", remaining))
		err = nil
	}
	return processed, remaining, err
}
