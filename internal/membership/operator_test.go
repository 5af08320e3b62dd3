package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/internal/resolve"
	"github.com/vaintrub/azdo-roster/models"
)

// fakeAPI records calls and keeps team and graph memberships in memory.
type fakeAPI struct {
	teamMembers map[string][]string        // team id -> emails
	graph       map[string]map[string]bool // container -> subject -> member
	descriptors map[string]string          // storage key -> descriptor
	deleted     map[string]bool            // team ids that answer 404

	emailErr     error
	identityErr  error
	alternateErr error
	addGraphErr  error

	calls []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		teamMembers: map[string][]string{},
		graph:       map[string]map[string]bool{},
		descriptors: map[string]string{},
		deleted:     map[string]bool{},
	}
}

func (f *fakeAPI) teamGone(teamID string) error {
	if f.deleted[teamID] {
		return &client.APIError{StatusCode: 404}
	}
	return nil
}

func (f *fakeAPI) ListTeamMembers(_ context.Context, teamID string) ([]models.TeamMember, error) {
	f.calls = append(f.calls, "list:"+teamID)
	var out []models.TeamMember
	for _, e := range f.teamMembers[teamID] {
		out = append(out, models.TeamMember{UniqueName: e})
	}
	return out, nil
}

func (f *fakeAPI) AddTeamMemberByEmail(_ context.Context, teamID, email string) error {
	f.calls = append(f.calls, "email:"+teamID)
	if err := f.teamGone(teamID); err != nil {
		return err
	}
	if f.emailErr != nil {
		return f.emailErr
	}
	f.teamMembers[teamID] = append(f.teamMembers[teamID], email)
	return nil
}

func (f *fakeAPI) AddTeamMemberByID(_ context.Context, teamID, userID string) error {
	f.calls = append(f.calls, "identity:"+teamID)
	if err := f.teamGone(teamID); err != nil {
		return err
	}
	return f.identityErr
}

func (f *fakeAPI) AddTeamMemberAlternate(_ context.Context, teamID, email string) error {
	f.calls = append(f.calls, "alternate:"+teamID)
	if err := f.teamGone(teamID); err != nil {
		return err
	}
	return f.alternateErr
}

func (f *fakeAPI) GetDescriptor(_ context.Context, key string) (string, error) {
	f.calls = append(f.calls, "descriptor:"+key)
	d, ok := f.descriptors[key]
	if !ok {
		return "", &client.APIError{StatusCode: 404}
	}
	return d, nil
}

func (f *fakeAPI) CheckMembership(_ context.Context, subject, container string) (bool, error) {
	f.calls = append(f.calls, "check:"+container)
	return f.graph[container][subject], nil
}

func (f *fakeAPI) AddMembership(_ context.Context, subject, container string) error {
	f.calls = append(f.calls, "add-graph:"+container)
	if f.addGraphErr != nil {
		return f.addGraphErr
	}
	if f.graph[container] == nil {
		f.graph[container] = map[string]bool{}
	}
	f.graph[container][subject] = true
	return nil
}

func (f *fakeAPI) RemoveMembership(_ context.Context, subject, container string) error {
	f.calls = append(f.calls, "remove:"+container)
	delete(f.graph[container], subject)
	return nil
}

type fakeDirectory struct {
	users       []models.DirectoryUser
	teams       []models.Team
	groups      []models.GraphGroup
	invalidated []cache.Kind
}

func (d *fakeDirectory) LookupUser(_ context.Context, email string) (models.DirectoryUser, bool, error) {
	for _, u := range d.users {
		if u.Email == models.NormalizeEmail(email) {
			return u, true, nil
		}
	}
	return models.DirectoryUser{}, false, nil
}

func (d *fakeDirectory) Teams(context.Context) ([]models.Team, error) { return d.teams, nil }

func (d *fakeDirectory) GraphGroups(context.Context) ([]models.GraphGroup, error) {
	return d.groups, nil
}

func (d *fakeDirectory) Invalidate(_ context.Context, kinds ...cache.Kind) {
	d.invalidated = append(d.invalidated, kinds...)
}

var (
	alice    = models.DirectoryUser{Email: "alice@x.com", Descriptor: "aad.alice", ID: "u-alice"}
	devTeam  = resolve.Target{Kind: resolve.KindTeam, Name: "Dev Team", Team: models.Team{ID: "t-dev", Name: "Dev Team"}}
	readers  = resolve.Target{Kind: resolve.KindSecurity, Name: "[P]\\Readers", Group: models.SecurityGroup{PrincipalName: "[P]\\Readers", Descriptor: "vssgp.readers"}}
	addAlice = models.Directive{UserEmail: "Alice@X.com", TeamName: "Dev Team", Action: models.ActionAdd}
)

func TestApply_AddTeamIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	op := New(api, &fakeDirectory{users: []models.DirectoryUser{alice}})
	ctx := context.Background()

	require.NoError(t, op.Apply(ctx, addAlice, devTeam))
	require.NoError(t, op.Apply(ctx, addAlice, devTeam))

	assert.Equal(t, []string{"alice@x.com"}, api.teamMembers["t-dev"], "second add must not duplicate")
	assert.Equal(t, []string{"list:t-dev", "email:t-dev", "list:t-dev"}, api.calls)
}

func TestApply_AddTeamFallsBackInOrder(t *testing.T) {
	t.Run("identity after email failure", func(t *testing.T) {
		api := newFakeAPI()
		api.emailErr = &client.APIError{StatusCode: 405}
		op := New(api, &fakeDirectory{users: []models.DirectoryUser{alice}})

		require.NoError(t, op.Apply(context.Background(), addAlice, devTeam))
		assert.Equal(t, []string{"list:t-dev", "email:t-dev", "identity:t-dev"}, api.calls)
	})

	t.Run("alternate when user is not in directory", func(t *testing.T) {
		api := newFakeAPI()
		api.emailErr = &client.APIError{StatusCode: 400}
		op := New(api, &fakeDirectory{})

		require.NoError(t, op.Apply(context.Background(), addAlice, devTeam))
		assert.Equal(t, []string{"list:t-dev", "email:t-dev", "alternate:t-dev"}, api.calls)
	})

	t.Run("conflict means already a member", func(t *testing.T) {
		api := newFakeAPI()
		api.emailErr = &client.APIError{StatusCode: 409}
		op := New(api, &fakeDirectory{})

		require.NoError(t, op.Apply(context.Background(), addAlice, devTeam))
		assert.Equal(t, []string{"list:t-dev", "email:t-dev"}, api.calls)
	})
}

func TestApply_AddExhausted(t *testing.T) {
	api := newFakeAPI()
	api.emailErr = &client.APIError{StatusCode: 403}
	api.identityErr = &client.APIError{StatusCode: 403}
	api.alternateErr = &client.APIError{StatusCode: 403}
	dir := &fakeDirectory{users: []models.DirectoryUser{alice}}
	op := New(api, dir)

	err := op.Apply(context.Background(), addAlice, devTeam)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.True(t, exhausted.PermissionDenied())
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.Contains(t, err.Error(), "manual portal action required")

	names := make([]string, 0, len(exhausted.Attempts))
	for _, a := range exhausted.Attempts {
		names = append(names, a.Strategy)
	}
	assert.Equal(t, []string{
		StrategyTeamEmail, StrategyTeamIdentity, StrategyTeamAlternate,
		StrategyGraphGroup, StrategySecurityRoles, StrategyTeamsByName, StrategyMembershipsAPI,
	}, names)
	assert.Equal(t, Inapplicable, exhausted.Attempts[4].Result)
	assert.ErrorIs(t, exhausted.Attempts[4].Err, models.ErrNotImplemented)
	assert.Equal(t, []cache.Kind{cache.KindTeams}, dir.invalidated, "teams-by-name reloads teams before writing")
}

func TestApply_StaleTeamIDHealsThroughTeamsByName(t *testing.T) {
	api := newFakeAPI()
	api.deleted["t-dev"] = true
	// The team was recreated under a new id after the cache was filled.
	dir := &fakeDirectory{
		users: []models.DirectoryUser{alice},
		teams: []models.Team{{ID: "t-dev2", Name: "Dev Team"}},
	}
	op := New(api, dir)

	require.NoError(t, op.Apply(context.Background(), addAlice, devTeam))

	assert.Equal(t, []string{"list:t-dev", "email:t-dev", "identity:t-dev", "alternate:t-dev"}, api.calls[:4],
		"primary strategies write with the cached id")
	assert.Equal(t, "email:t-dev2", api.calls[len(api.calls)-1])
	assert.Equal(t, []string{"alice@x.com"}, api.teamMembers["t-dev2"])
	assert.Equal(t, []cache.Kind{cache.KindTeams}, dir.invalidated, "only teams-by-name reloads teams")
}

func TestApply_AddSecurityGroup(t *testing.T) {
	api := newFakeAPI()
	op := New(api, &fakeDirectory{users: []models.DirectoryUser{alice}})
	ctx := context.Background()

	require.NoError(t, op.Apply(ctx, addAlice, readers))
	assert.True(t, api.graph["vssgp.readers"]["aad.alice"])

	api.calls = nil
	require.NoError(t, op.Apply(ctx, addAlice, readers))
	assert.Equal(t, []string{"check:vssgp.readers"}, api.calls, "already a member short-circuits")
}

func TestApply_CustomGroup(t *testing.T) {
	t.Run("graph group by display name", func(t *testing.T) {
		api := newFakeAPI()
		dir := &fakeDirectory{
			users:  []models.DirectoryUser{alice},
			groups: []models.GraphGroup{{DisplayName: "Release Managers", Descriptor: "vssgp.rm"}},
		}
		op := New(api, dir)
		target := resolve.Target{Kind: resolve.KindUnknown, Name: "release managers"}

		require.NoError(t, op.Apply(context.Background(), addAlice, target))
		assert.True(t, api.graph["vssgp.rm"]["aad.alice"])
	})

	t.Run("team created after cache fill", func(t *testing.T) {
		api := newFakeAPI()
		dir := &fakeDirectory{teams: []models.Team{{ID: "t-new", Name: "New Squad"}}}
		op := New(api, dir)
		target := resolve.Target{Kind: resolve.KindUnknown, Name: "new squad"}

		require.NoError(t, op.Apply(context.Background(), addAlice, target))
		assert.Equal(t, []string{"alice@x.com"}, api.teamMembers["t-new"])
	})

	t.Run("extension point replaced", func(t *testing.T) {
		api := newFakeAPI()
		called := false
		op := New(api, &fakeDirectory{}, WithExtension(StrategySecurityRoles, func(ctx context.Context, req Request) (Result, error) {
			called = true
			return Success, nil
		}))
		target := resolve.Target{Kind: resolve.KindUnknown, Name: "Auditors"}

		require.NoError(t, op.Apply(context.Background(), addAlice, target))
		assert.True(t, called)
	})

	t.Run("nothing applicable", func(t *testing.T) {
		op := New(newFakeAPI(), &fakeDirectory{})
		target := resolve.Target{Kind: resolve.KindUnknown, Name: "Auditors"}

		err := op.Apply(context.Background(), addAlice, target)
		var exhausted *ExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.False(t, exhausted.PermissionDenied())
		assert.NotContains(t, err.Error(), "manual portal action")
	})
}

func TestApply_RemoveIsIdempotent(t *testing.T) {
	removeAlice := models.Directive{UserEmail: "alice@x.com", TeamName: "Dev Team", Action: models.ActionRemove}
	ctx := context.Background()

	t.Run("member is removed once", func(t *testing.T) {
		api := newFakeAPI()
		api.descriptors["t-dev"] = "vssgp.dev"
		api.graph["vssgp.dev"] = map[string]bool{"aad.alice": true}
		op := New(api, &fakeDirectory{users: []models.DirectoryUser{alice}})

		require.NoError(t, op.Apply(ctx, removeAlice, devTeam))
		assert.False(t, api.graph["vssgp.dev"]["aad.alice"])

		api.calls = nil
		require.NoError(t, op.Apply(ctx, removeAlice, devTeam))
		assert.Equal(t, []string{"descriptor:t-dev", "check:vssgp.dev"}, api.calls, "no delete for a non-member")
	})

	t.Run("user outside organization", func(t *testing.T) {
		api := newFakeAPI()
		api.descriptors["t-dev"] = "vssgp.dev"
		op := New(api, &fakeDirectory{})

		require.NoError(t, op.Apply(ctx, removeAlice, devTeam))
		assert.NotContains(t, api.calls, "remove:vssgp.dev")
	})

	t.Run("security group uses its descriptor", func(t *testing.T) {
		api := newFakeAPI()
		api.graph["vssgp.readers"] = map[string]bool{"aad.alice": true}
		op := New(api, &fakeDirectory{users: []models.DirectoryUser{alice}})

		require.NoError(t, op.Apply(ctx, removeAlice, readers))
		assert.Equal(t, []string{"check:vssgp.readers", "remove:vssgp.readers"}, api.calls)
	})

	t.Run("unknown group", func(t *testing.T) {
		op := New(newFakeAPI(), &fakeDirectory{users: []models.DirectoryUser{alice}})
		err := op.Apply(ctx, removeAlice, resolve.Target{Kind: resolve.KindUnknown, Name: "Ghosts"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}
