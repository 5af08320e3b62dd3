package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaintrub/azdo-roster/models"
)

// Kind names a directory collection.
type Kind string

const (
	KindTeams       Kind = "teams"
	KindUsers       Kind = "org_users"
	KindGraphGroups Kind = "graph_groups"
)

// Source is the subset of the Azure DevOps client the directory loads from.
type Source interface {
	GetProject(ctx context.Context) (*models.Project, error)
	ListTeams(ctx context.Context) ([]models.Team, error)
	ListUserEntitlements(ctx context.Context) ([]models.DirectoryUser, error)
	ListGraphGroups(ctx context.Context) ([]models.GraphGroup, error)
}

// Directory bundles the cached collections of one organization/project pair.
// It is created by the reconciler and handed to its collaborators.
type Directory struct {
	source Source
	teams  *Collection[[]models.Team]
	users  *Collection[[]models.DirectoryUser]
	groups *Collection[[]models.GraphGroup]
}

// NewDirectory creates a directory backed by src.
func NewDirectory(src Source, opts ...Option) *Directory {
	return &Directory{
		source: src,
		teams:  NewCollection[[]models.Team](string(KindTeams), src.ListTeams, opts...),
		users:  NewCollection[[]models.DirectoryUser](string(KindUsers), src.ListUserEntitlements, opts...),
		groups: NewCollection[[]models.GraphGroup](string(KindGraphGroups), src.ListGraphGroups, opts...),
	}
}

// Teams returns the project's teams.
func (d *Directory) Teams(ctx context.Context) ([]models.Team, error) {
	return d.teams.Get(ctx)
}

// Users returns the organization's member directory.
func (d *Directory) Users(ctx context.Context) ([]models.DirectoryUser, error) {
	return d.users.Get(ctx)
}

// GraphGroups returns every graph group of the organization.
func (d *Directory) GraphGroups(ctx context.Context) ([]models.GraphGroup, error) {
	return d.groups.Get(ctx)
}

// SecurityGroups returns the graph groups that belong to the project: those whose
// description mentions the project id or whose principal name mentions the project name.
func (d *Directory) SecurityGroups(ctx context.Context) ([]models.SecurityGroup, error) {
	groups, err := d.groups.Get(ctx)
	if err != nil {
		return nil, err
	}
	project, err := d.source.GetProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("security groups: %w", err)
	}

	var out []models.SecurityGroup
	for _, g := range groups {
		if (project.ID != "" && strings.Contains(g.Description, project.ID)) ||
			(project.Name != "" && strings.Contains(g.PrincipalName, project.Name)) {
			out = append(out, g.SecurityGroup())
		}
	}
	return out, nil
}

// LookupUser finds an organization member by email. The email is normalized first.
func (d *Directory) LookupUser(ctx context.Context, email string) (models.DirectoryUser, bool, error) {
	users, err := d.users.Get(ctx)
	if err != nil {
		return models.DirectoryUser{}, false, err
	}
	key := models.NormalizeEmail(email)
	for _, u := range users {
		if u.Email == key {
			return u, true, nil
		}
	}
	return models.DirectoryUser{}, false, nil
}

// Prewarm loads teams and users so later phases hit the cache.
func (d *Directory) Prewarm(ctx context.Context) error {
	if _, err := d.teams.Get(ctx); err != nil {
		return err
	}
	if _, err := d.users.Get(ctx); err != nil {
		return err
	}
	return nil
}

// Invalidate forces the named collections, or all of them when none are named,
// to be refetched on next use.
func (d *Directory) Invalidate(ctx context.Context, kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = []Kind{KindTeams, KindUsers, KindGraphGroups}
	}
	for _, k := range kinds {
		switch k {
		case KindTeams:
			d.teams.Invalidate(ctx)
		case KindUsers:
			d.users.Invalidate(ctx)
		case KindGraphGroups:
			d.groups.Invalidate(ctx)
		}
	}
}

// Fetches reports how many source fetches a collection has made.
func (d *Directory) Fetches(kind Kind) int64 {
	switch kind {
	case KindTeams:
		return d.teams.Fetches()
	case KindUsers:
		return d.users.Fetches()
	case KindGraphGroups:
		return d.groups.Fetches()
	}
	return 0
}
