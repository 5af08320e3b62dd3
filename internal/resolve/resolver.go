// Package resolve maps free-text team names from a directive to a project team or
// security group. Matching runs in tiers (exact, case-insensitive, unique partial)
// and never picks between several candidates.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/vaintrub/azdo-roster/models"
)

// Kind is the type of a resolved target.
type Kind string

const (
	KindTeam     Kind = "team"
	KindSecurity Kind = "security"
	KindUnknown  Kind = "unknown"
)

// Target is a resolved team or security group.
type Target struct {
	Kind  Kind
	Name  string // canonical name as stored in Azure DevOps
	Team  models.Team
	Group models.SecurityGroup
}

// Catalog supplies the candidate collections, normally a *cache.Directory.
type Catalog interface {
	Teams(ctx context.Context) ([]models.Team, error)
	SecurityGroups(ctx context.Context) ([]models.SecurityGroup, error)
}

// AmbiguousError is returned when a name matches more than one candidate.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

// Error implements the error interface.
func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q is ambiguous, matches: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// Is matches models.ErrAmbiguousTarget.
func (e *AmbiguousError) Is(target error) bool {
	return target == models.ErrAmbiguousTarget
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver resolves team names against a Catalog.
type Resolver struct {
	catalog Catalog
	logger  *slog.Logger
}

// New creates a Resolver.
func New(catalog Catalog, opts ...Option) *Resolver {
	r := &Resolver{catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the team, or failing that the security group, that name refers to.
// It returns an *AmbiguousError when a tier yields several candidates and an error
// matching models.ErrNotFound when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, name string) (Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Target{Kind: KindUnknown}, fmt.Errorf("empty team name: %w", models.ErrNotFound)
	}

	teams, err := r.catalog.Teams(ctx)
	if err != nil {
		return Target{Kind: KindUnknown}, fmt.Errorf("load teams: %w", err)
	}
	idx, err := match(name, teams, func(t models.Team) string { return t.Name }, true)
	if err != nil {
		return Target{Kind: KindUnknown}, err
	}
	if idx >= 0 {
		t := teams[idx]
		r.logger.DebugContext(ctx, "resolved team", slog.String("input", name), slog.String("team", t.Name))
		return Target{Kind: KindTeam, Name: t.Name, Team: t}, nil
	}

	groups, err := r.catalog.SecurityGroups(ctx)
	if err != nil {
		return Target{Kind: KindUnknown}, fmt.Errorf("load security groups: %w", err)
	}
	idx, err = match(name, groups, func(g models.SecurityGroup) string { return g.PrincipalName }, true)
	if err != nil {
		return Target{Kind: KindUnknown}, err
	}
	if idx >= 0 {
		g := groups[idx]
		r.logger.DebugContext(ctx, "resolved security group", slog.String("input", name), slog.String("group", g.PrincipalName))
		return Target{Kind: KindSecurity, Name: g.PrincipalName, Group: g}, nil
	}

	return Target{Kind: KindUnknown, Name: name}, fmt.Errorf("team or group %q: %w", name, models.ErrNotFound)
}

// Classify reports whether name is a team or a security group using only exact and
// case-insensitive matching. Ambiguous or unmatched names are KindUnknown.
func (r *Resolver) Classify(ctx context.Context, name string) (Kind, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return KindUnknown, nil
	}

	teams, err := r.catalog.Teams(ctx)
	if err != nil {
		return KindUnknown, err
	}
	if idx, err := match(name, teams, func(t models.Team) string { return t.Name }, false); err == nil && idx >= 0 {
		return KindTeam, nil
	}

	groups, err := r.catalog.SecurityGroups(ctx)
	if err != nil {
		return KindUnknown, err
	}
	if idx, err := match(name, groups, func(g models.SecurityGroup) string { return g.PrincipalName }, false); err == nil && idx >= 0 {
		return KindSecurity, nil
	}
	return KindUnknown, nil
}

// match runs the tiers over items and returns the index of the single match, or -1.
func match[T any](name string, items []T, nameOf func(T) string, partial bool) (int, error) {
	tiers := []func(candidate, folded string) bool{
		func(candidate, _ string) bool { return candidate == name },
	}

	foldedName := fold(name)
	tiers = append(tiers, func(_, folded string) bool { return folded == foldedName })
	if partial {
		tiers = append(tiers, func(_, folded string) bool {
			return strings.Contains(folded, foldedName) || strings.Contains(foldedName, folded)
		})
	}

	folded := make([]string, len(items))
	for i, item := range items {
		folded[i] = fold(nameOf(item))
	}

	for _, tier := range tiers {
		var hits []int
		for i, item := range items {
			candidate := nameOf(item)
			if candidate == "" {
				continue
			}
			if tier(candidate, folded[i]) {
				hits = append(hits, i)
			}
		}
		switch len(hits) {
		case 0:
			continue
		case 1:
			return hits[0], nil
		default:
			names := make([]string, 0, len(hits))
			for _, i := range hits {
				names = append(names, nameOf(items[i]))
			}
			sort.Strings(names)
			return -1, &AmbiguousError{Name: name, Candidates: names}
		}
	}
	return -1, nil
}

// fold applies Unicode case folding. A Caser is stateful, so one is built per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
