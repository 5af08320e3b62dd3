package tests

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roster "github.com/vaintrub/azdo-roster"
	"github.com/vaintrub/azdo-roster/internal/azdotest"
	"github.com/vaintrub/azdo-roster/internal/cache"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// TestRedisStore covers miss, set, get and delete against a real server.
func TestRedisStore(t *testing.T) {
	env := requireEnv(t)
	ctx := context.Background()

	store, err := env.Store(ctx)
	require.NoError(t, err)
	defer store.Close()

	key := "store-" + uuid.NewString()

	_, err = store.Get(ctx, key)
	assert.True(t, errors.Is(err, cache.ErrMiss))

	require.NoError(t, store.Set(ctx, key, []byte(`{"v":1}`), time.Minute))
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))

	ttl, err := env.Redis.TTL(ctx, "cache:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.True(t, errors.Is(err, cache.ErrMiss))
	assert.NoError(t, store.Delete(ctx, key), "deleting a missing key is fine")
}

// TestDirectory_SharedAcrossInstances checks that a second directory reads the
// snapshot the first one stored instead of calling Azure DevOps again.
func TestDirectory_SharedAcrossInstances(t *testing.T) {
	env := requireEnv(t)
	ctx := context.Background()

	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	srv.AddTeam("QA")
	srv.AddUser("alice@x.com")
	api := srv.NewClient(t)

	store, err := env.Store(ctx)
	require.NoError(t, err)
	defer store.Close()

	opts := []cache.Option{
		cache.WithStore(store),
		cache.WithKeyPrefix(uuid.NewString() + ":"),
		cache.WithTTL(time.Minute),
		cache.WithLogger(discard()),
	}

	first := cache.NewDirectory(api, opts...)
	require.NoError(t, first.Prewarm(ctx))
	assert.Equal(t, 1, srv.Hits(azdotest.RouteListTeams))

	second := cache.NewDirectory(api, opts...)
	teams, err := second.Teams(ctx)
	require.NoError(t, err)
	assert.Len(t, teams, 2)
	user, found, err := second.LookupUser(ctx, "ALICE@x.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice@x.com", user.Email)

	assert.Equal(t, 1, srv.Hits(azdotest.RouteListTeams))
	assert.Equal(t, int64(0), second.Fetches(cache.KindTeams))
	assert.Equal(t, int64(0), second.Fetches(cache.KindUsers))

	// Invalidation removes the shared snapshot, so a new instance refetches.
	first.Invalidate(ctx, cache.KindTeams)
	third := cache.NewDirectory(api, opts...)
	_, err = third.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), third.Fetches(cache.KindTeams))
	assert.Equal(t, 2, srv.Hits(azdotest.RouteListTeams))
}

// TestRoster_RedisURL runs two independent rosters against one project; the
// second one is served from Redis.
func TestRoster_RedisURL(t *testing.T) {
	env := requireEnv(t)
	ctx := context.Background()

	srv := azdotest.NewServer(t, "Roster "+uuid.NewString()[:8])
	srv.AddTeam("QA")
	srv.AddUser("bob@x.com")

	settings := &roster.Settings{
		OrganizationURL: srv.OrganizationURL(),
		EntitlementsURL: srv.EntitlementsURL(),
		GraphURL:        srv.GraphURL(),
		Project:         srv.Project().Name,
		Token:           azdotest.Token,
		License:         "stakeholder",
		CacheTTL:        time.Minute,
		MaxWait:         time.Second,
		RetryMax:        1,
		RedisURL:        env.RedisURL,
	}
	ds := []roster.Directive{{UserEmail: "bob@x.com", TeamName: "QA", Action: roster.ActionRemove}}

	for i := 0; i < 2; i++ {
		r, err := roster.New(ctx, settings, roster.WithLogger(discard()))
		require.NoError(t, err)

		report, err := r.Run(ctx, ds)
		require.NoError(t, err)
		require.Len(t, report.Outcomes, 1)
		assert.Equal(t, roster.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
		require.NoError(t, r.Close())
	}

	assert.Equal(t, 1, srv.Hits(azdotest.RouteListTeams))
	assert.Equal(t, 1, srv.Hits(azdotest.RouteListEntitlements))
}
