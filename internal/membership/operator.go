// Package membership applies one directive to one resolved team or group by trying
// ordered fallback strategies until one succeeds.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/internal/resolve"
	"github.com/vaintrub/azdo-roster/models"
)

// API is the subset of client.Client used to change memberships.
type API interface {
	ListTeamMembers(ctx context.Context, teamID string) ([]models.TeamMember, error)
	AddTeamMemberByEmail(ctx context.Context, teamID, email string) error
	AddTeamMemberByID(ctx context.Context, teamID, userID string) error
	AddTeamMemberAlternate(ctx context.Context, teamID, email string) error
	GetDescriptor(ctx context.Context, storageKey string) (string, error)
	CheckMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) (bool, error)
	AddMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error
	RemoveMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error
}

// Directory is the cached view of the organization, normally a *cache.Directory.
type Directory interface {
	LookupUser(ctx context.Context, email string) (models.DirectoryUser, bool, error)
	Teams(ctx context.Context) ([]models.Team, error)
	GraphGroups(ctx context.Context) ([]models.GraphGroup, error)
	Invalidate(ctx context.Context, kinds ...cache.Kind)
}

// Option configures an Operator.
type Option func(*Operator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Operator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithExtension replaces the implementation of a named custom-group strategy,
// e.g. StrategySecurityRoles or StrategyMembershipsAPI.
func WithExtension(name string, fn StrategyFunc) Option {
	return func(o *Operator) {
		for i := range o.custom {
			if o.custom[i].Name == name {
				o.custom[i].Apply = fn
				return
			}
		}
	}
}

// Operator adds and removes memberships.
type Operator struct {
	api    API
	dir    Directory
	logger *slog.Logger

	addTeam     []Strategy
	addSecurity []Strategy
	custom      []Strategy
}

// New creates an Operator.
func New(api API, dir Directory, opts ...Option) *Operator {
	o := &Operator{api: api, dir: dir, logger: slog.Default()}
	o.addTeam = []Strategy{
		{Name: StrategyTeamEmail, Apply: o.addTeamByEmail},
		{Name: StrategyTeamIdentity, Apply: o.addTeamByIdentity},
		{Name: StrategyTeamAlternate, Apply: o.addTeamAlternate},
	}
	o.addSecurity = []Strategy{
		{Name: StrategyGraphMembership, Apply: o.addGraphMembership},
	}
	o.custom = defaultCustomStrategies(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Strategy names.
const (
	StrategyTeamEmail       = "team-email"
	StrategyTeamIdentity    = "team-identity"
	StrategyTeamAlternate   = "team-alternate"
	StrategyGraphMembership = "graph-membership"
)

// Apply brings the user's membership of target in line with the directive's action.
// A nil error means the desired state holds.
func (o *Operator) Apply(ctx context.Context, d models.Directive, target resolve.Target) error {
	req := Request{Directive: d, Email: models.NormalizeEmail(d.UserEmail), Target: target}
	if req.Target.Name == "" {
		req.Target.Name = strings.TrimSpace(d.TeamName)
	}

	switch d.Action {
	case models.ActionAdd:
		return o.add(ctx, req)
	case models.ActionRemove:
		return o.remove(ctx, req)
	default:
		return fmt.Errorf("unsupported action %q", d.Action)
	}
}

func (o *Operator) add(ctx context.Context, req Request) error {
	var primary []Strategy
	switch req.Target.Kind {
	case resolve.KindTeam:
		primary = o.addTeam
	case resolve.KindSecurity:
		primary = o.addSecurity
	}

	attempts, ok := o.runStrategies(ctx, primary, req, nil)
	if ok {
		return nil
	}
	attempts, ok = o.runStrategies(ctx, o.custom, req, attempts)
	if ok {
		return nil
	}

	err := &ExhaustedError{Email: req.Email, Target: req.Target.Name, Attempts: attempts}
	o.logger.WarnContext(ctx, "membership add failed", slog.String("email", req.Email), slog.String("target", req.Target.Name), slog.Any("error", err))
	return err
}

// addTeamByEmail checks the member list first so repeated adds have no side effect.
func (o *Operator) addTeamByEmail(ctx context.Context, req Request) (Result, error) {
	teamID := req.Target.Team.ID
	if teamID == "" {
		return Inapplicable, nil
	}

	members, err := o.api.ListTeamMembers(ctx, teamID)
	if err == nil {
		for _, m := range members {
			if models.NormalizeEmail(m.UniqueName) == req.Email {
				return Success, nil
			}
		}
	} else {
		o.logger.DebugContext(ctx, "team member pre-check failed", slog.String("team", req.Target.Name), slog.Any("error", err))
	}

	return addResult(o.api.AddTeamMemberByEmail(ctx, teamID, req.Email))
}

func (o *Operator) addTeamByIdentity(ctx context.Context, req Request) (Result, error) {
	teamID := req.Target.Team.ID
	if teamID == "" {
		return Inapplicable, nil
	}
	user, found, err := o.dir.LookupUser(ctx, req.Email)
	if err != nil {
		return Failure, err
	}
	if !found || user.ID == "" {
		return Inapplicable, nil
	}
	return addResult(o.api.AddTeamMemberByID(ctx, teamID, user.ID))
}

func (o *Operator) addTeamAlternate(ctx context.Context, req Request) (Result, error) {
	teamID := req.Target.Team.ID
	if teamID == "" {
		return Inapplicable, nil
	}
	return addResult(o.api.AddTeamMemberAlternate(ctx, teamID, req.Email))
}

func (o *Operator) addGraphMembership(ctx context.Context, req Request) (Result, error) {
	container := req.Target.Group.Descriptor
	if container == "" {
		return Inapplicable, nil
	}
	return o.addToContainer(ctx, req.Email, container)
}

// addToContainer adds the user to a graph container unless already a member.
func (o *Operator) addToContainer(ctx context.Context, email, container string) (Result, error) {
	user, found, err := o.dir.LookupUser(ctx, email)
	if err != nil {
		return Failure, err
	}
	if !found || user.Descriptor == "" {
		return Inapplicable, nil
	}

	member, err := o.api.CheckMembership(ctx, user.Descriptor, container)
	if err == nil && member {
		return Success, nil
	}
	return addResult(o.api.AddMembership(ctx, user.Descriptor, container))
}

// addResult maps an add call's error. A conflict means the member already exists.
func addResult(err error) (Result, error) {
	if err == nil || errors.Is(err, client.ErrConflict) {
		return Success, nil
	}
	return Failure, err
}

func (o *Operator) remove(ctx context.Context, req Request) error {
	container, err := o.containerDescriptor(ctx, req)
	if err != nil {
		return err
	}

	user, found, err := o.dir.LookupUser(ctx, req.Email)
	if err != nil {
		return fmt.Errorf("look up %s: %w", req.Email, err)
	}
	if !found || user.Descriptor == "" {
		o.logger.DebugContext(ctx, "user not in organization, nothing to remove", slog.String("email", req.Email))
		return nil
	}

	member, err := o.api.CheckMembership(ctx, user.Descriptor, container)
	if err != nil {
		return fmt.Errorf("check membership of %s in %q: %w", req.Email, req.Target.Name, err)
	}
	if !member {
		return nil
	}

	err = o.api.RemoveMembership(ctx, user.Descriptor, container)
	if err != nil && !errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("remove %s from %q: %w", req.Email, req.Target.Name, err)
	}
	return nil
}

// containerDescriptor finds the graph descriptor of the removal target.
func (o *Operator) containerDescriptor(ctx context.Context, req Request) (string, error) {
	switch req.Target.Kind {
	case resolve.KindTeam:
		d, err := o.api.GetDescriptor(ctx, req.Target.Team.ID)
		if err != nil {
			return "", fmt.Errorf("descriptor of team %q: %w", req.Target.Name, err)
		}
		return d, nil
	case resolve.KindSecurity:
		if req.Target.Group.Descriptor != "" {
			return req.Target.Group.Descriptor, nil
		}
	}

	group, found, err := o.graphGroupByName(ctx, req.Target.Name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("group %q: %w", req.Target.Name, models.ErrNotFound)
	}
	return group.Descriptor, nil
}
