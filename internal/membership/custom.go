package membership

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/models"
)

// Custom-group strategy names, in the order they are tried.
const (
	StrategyGraphGroup     = "graph-group"
	StrategySecurityRoles  = "security-roles"
	StrategyTeamsByName    = "teams-by-name"
	StrategyMembershipsAPI = "memberships-api"
)

// defaultCustomStrategies are tried when the target is not a known team or security
// group, or when every primary strategy failed.
func defaultCustomStrategies(o *Operator) []Strategy {
	return []Strategy{
		{Name: StrategyGraphGroup, Apply: o.addGraphGroupByName},
		{Name: StrategySecurityRoles, Apply: notImplemented(StrategySecurityRoles)},
		{Name: StrategyTeamsByName, Apply: o.addTeamByName},
		{Name: StrategyMembershipsAPI, Apply: notImplemented(StrategyMembershipsAPI)},
	}
}

// notImplemented marks an extension point. It never calls the API.
func notImplemented(name string) StrategyFunc {
	return func(context.Context, Request) (Result, error) {
		return Inapplicable, fmt.Errorf("%s strategy: %w", name, models.ErrNotImplemented)
	}
}

// addGraphGroupByName adds the user to the graph group whose display or principal
// name equals the target name.
func (o *Operator) addGraphGroupByName(ctx context.Context, req Request) (Result, error) {
	group, found, err := o.graphGroupByName(ctx, req.Target.Name)
	if err != nil {
		return Failure, err
	}
	if !found {
		return Inapplicable, nil
	}
	return o.addToContainer(ctx, req.Email, group.Descriptor)
}

func (o *Operator) graphGroupByName(ctx context.Context, name string) (models.GraphGroup, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.GraphGroup{}, false, nil
	}
	groups, err := o.dir.GraphGroups(ctx)
	if err != nil {
		return models.GraphGroup{}, false, fmt.Errorf("load graph groups: %w", err)
	}
	for _, g := range groups {
		if g.Descriptor == "" {
			continue
		}
		if strings.EqualFold(g.DisplayName, name) || strings.EqualFold(g.PrincipalName, name) {
			return g, true, nil
		}
	}
	return models.GraphGroup{}, false, nil
}

// addTeamByName refetches the team list and adds by email to a team whose name
// equals the target name. It covers teams created after the cache was filled.
func (o *Operator) addTeamByName(ctx context.Context, req Request) (Result, error) {
	o.dir.Invalidate(ctx, cache.KindTeams)
	teams, err := o.dir.Teams(ctx)
	if err != nil {
		return Failure, fmt.Errorf("reload teams: %w", err)
	}

	var teamID string
	for _, t := range teams {
		if strings.EqualFold(strings.TrimSpace(t.Name), strings.TrimSpace(req.Target.Name)) {
			teamID = t.ID
			break
		}
	}
	if teamID == "" {
		return Inapplicable, nil
	}
	return addResult(o.api.AddTeamMemberByEmail(ctx, teamID, req.Email))
}
