package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/cache"
	"github.com/vaintrub/azdo-roster/models"
)

type fakeAPI struct {
	mu          sync.Mutex
	invites     []models.Invitation
	batches     [][]models.Invitation
	inviteErr   func(inv models.Invitation) error
	batchResult func(invs []models.Invitation) ([]models.InvitationResult, error)
	// onInvite lets a test make the directory reflect an invitation.
	onInvite func(email string)
}

func (f *fakeAPI) GetProject(context.Context) (*models.Project, error) {
	return &models.Project{ID: "proj-id", Name: "Project X"}, nil
}

func (f *fakeAPI) InviteUser(_ context.Context, inv models.Invitation) error {
	f.mu.Lock()
	f.invites = append(f.invites, inv)
	f.mu.Unlock()
	if f.inviteErr != nil {
		if err := f.inviteErr(inv); err != nil {
			return err
		}
	}
	if f.onInvite != nil {
		f.onInvite(inv.Email)
	}
	return nil
}

func (f *fakeAPI) InviteUsers(_ context.Context, invs []models.Invitation) ([]models.InvitationResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, invs)
	f.mu.Unlock()
	if f.batchResult != nil {
		return f.batchResult(invs)
	}
	out := make([]models.InvitationResult, len(invs))
	for i, inv := range invs {
		out[i] = models.InvitationResult{Email: inv.Email, Success: true}
	}
	return out, nil
}

// fakeDirectory exposes a user only after enough invalidations have happened.
type fakeDirectory struct {
	mu            sync.Mutex
	users         map[string]models.DirectoryUser
	visibleAfter  map[string]int // email -> invalidations needed before it shows up
	invalidations int
	fetches       int
}

func newFakeDirectory(emails ...string) *fakeDirectory {
	d := &fakeDirectory{users: map[string]models.DirectoryUser{}, visibleAfter: map[string]int{}}
	for _, e := range emails {
		d.users[e] = models.DirectoryUser{Email: e, Descriptor: "aad." + e}
	}
	return d
}

func (d *fakeDirectory) join(email string, afterInvalidations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[email] = models.DirectoryUser{Email: email, Descriptor: "aad." + email}
	d.visibleAfter[email] = d.invalidations + afterInvalidations
}

func (d *fakeDirectory) visible(email string) (models.DirectoryUser, bool) {
	u, ok := d.users[email]
	if !ok {
		return models.DirectoryUser{}, false
	}
	return u, d.invalidations >= d.visibleAfter[email]
}

func (d *fakeDirectory) Users(context.Context) ([]models.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	var out []models.DirectoryUser
	for e := range d.users {
		if u, ok := d.visible(e); ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) LookupUser(_ context.Context, email string) (models.DirectoryUser, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.visible(models.NormalizeEmail(email))
	return u, ok, nil
}

func (d *fakeDirectory) Invalidate(_ context.Context, kinds ...cache.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidations++
}

// fakeClock advances when slept on.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func newTestCoordinator(api API, dir Directory, clock *fakeClock, opts ...Option) *Coordinator {
	base := []Option{WithClock(clock.Now, clock.Sleep), WithSettleInterval(2 * time.Second)}
	return New(api, dir, append(base, opts...)...)
}

func addDirective(email string) models.Directive {
	return models.Directive{UserEmail: email, TeamName: "Dev Team", Action: models.ActionAdd}
}

func TestEnsureMember_ExistingUser(t *testing.T) {
	api := &fakeAPI{}
	clock := newFakeClock()
	c := newTestCoordinator(api, newFakeDirectory("alice@x.com"), clock)

	m, err := c.EnsureMember(context.Background(), addDirective(" Alice@X.com "))
	require.NoError(t, err)
	assert.True(t, m.Present)
	assert.Equal(t, "aad.alice@x.com", m.User.Descriptor)
	assert.Empty(t, api.invites)
	assert.Empty(t, clock.slept)
}

func TestEnsureMember_InlineEntitlement(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCoordinator(api, newFakeDirectory(), newFakeClock(), WithLicense(models.LicenseBasic))

	d := addDirective("bob@x.com")
	d.Role = models.RoleReader
	m, err := c.EnsureMember(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, m.Entitled)
	assert.True(t, m.Invited)

	require.Len(t, api.invites, 1)
	assert.Equal(t, models.Invitation{
		Email: "bob@x.com", License: models.LicenseBasic, ProjectID: "proj-id", GroupType: models.GroupTypeProjectReader,
	}, api.invites[0])
	assert.True(t, c.Pending().Contains("bob@x.com"))
}

func TestEnsureMember_PlainFallback(t *testing.T) {
	dir := newFakeDirectory()
	clock := newFakeClock()
	api := &fakeAPI{
		inviteErr: func(inv models.Invitation) error {
			if inv.GroupType != "" {
				return &client.APIError{StatusCode: 405}
			}
			return nil
		},
		onInvite: func(email string) { dir.join(email, 1) },
	}
	c := newTestCoordinator(api, dir, clock)

	d := addDirective("carol@x.com")
	d.License = models.LicenseAdvanced
	m, err := c.EnsureMember(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, m.Present)
	assert.False(t, m.Entitled)
	require.Len(t, api.invites, 2)
	assert.Equal(t, models.GroupType(""), api.invites[1].GroupType)
	assert.Equal(t, models.LicenseAdvanced, api.invites[1].License)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.slept)
	assert.False(t, c.Pending().Contains("carol@x.com"), "visible users leave the queue")
}

func TestEnsureMember_StillAbsentAfterSettle(t *testing.T) {
	dir := newFakeDirectory()
	api := &fakeAPI{
		inviteErr: func(inv models.Invitation) error {
			if inv.GroupType != "" {
				return &client.APIError{StatusCode: 400}
			}
			return nil
		},
		onInvite: func(email string) { dir.join(email, 5) },
	}
	clock := newFakeClock()
	c := newTestCoordinator(api, dir, clock)

	_, err := c.EnsureMember(context.Background(), addDirective("dan@x.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Len(t, clock.slept, 1, "re-checks exactly once")
	assert.True(t, c.Pending().Contains("dan@x.com"))
}

func TestEnsureMember_BothInvitationsFail(t *testing.T) {
	api := &fakeAPI{inviteErr: func(models.Invitation) error { return &client.APIError{StatusCode: 403} }}
	c := newTestCoordinator(api, newFakeDirectory(), newFakeClock())

	_, err := c.EnsureMember(context.Background(), addDirective("eve@x.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.Len(t, api.invites, 2)
}

func TestEnsureMember_AlreadyInvitedInRun(t *testing.T) {
	dir := newFakeDirectory()
	api := &fakeAPI{}
	clock := newFakeClock()
	c := newTestCoordinator(api, dir, clock)

	_, err := c.InviteMany(context.Background(), []models.Directive{addDirective("fay@x.com")})
	require.NoError(t, err)

	m, err := c.EnsureMember(context.Background(), addDirective("fay@x.com"))
	require.NoError(t, err)
	assert.True(t, m.Pending)
	assert.False(t, m.Present)
	assert.Empty(t, api.invites, "no second invitation for a batch-invited email")
	assert.Len(t, clock.slept, 1)
}

func TestInviteMany_SingleCallForMissing(t *testing.T) {
	existing := make([]string, 0, 40)
	var directives []models.Directive
	for i := range 40 {
		email := "user" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + "@x.com"
		existing = append(existing, email)
		directives = append(directives, addDirective(email))
	}
	for i := range 10 {
		email := "new" + string(rune('a'+i)) + "@x.com"
		directives = append(directives, addDirective(email))
	}
	directives = append(directives,
		addDirective("NEWA@x.com"),
		models.Directive{UserEmail: "gone@x.com", TeamName: "QA", Action: models.ActionRemove},
	)

	dir := newFakeDirectory(existing...)
	api := &fakeAPI{}
	c := newTestCoordinator(api, dir, newFakeClock())

	res, err := c.InviteMany(context.Background(), directives)
	require.NoError(t, err)
	require.Len(t, api.batches, 1)
	assert.Len(t, api.batches[0], 10)
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, 40, res.Existing)
	assert.Equal(t, 10, res.Invited)
	assert.Len(t, res.Success, 50)
	assert.NotContains(t, res.Success, "gone@x.com")
	assert.Equal(t, 10, c.Pending().Len())
	assert.Equal(t, 1, dir.fetches)
	assert.Equal(t, 1, dir.invalidations)
}

func TestInviteMany_AllExisting(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCoordinator(api, newFakeDirectory("a@x.com"), newFakeClock())

	res, err := c.InviteMany(context.Background(), []models.Directive{addDirective("a@x.com")})
	require.NoError(t, err)
	assert.Empty(t, api.batches)
	assert.Equal(t, 0, res.Calls)
	assert.True(t, res.Success["a@x.com"])
}

func TestInviteMany_PartialAndTotalFailure(t *testing.T) {
	t.Run("per-email results", func(t *testing.T) {
		api := &fakeAPI{batchResult: func(invs []models.Invitation) ([]models.InvitationResult, error) {
			return []models.InvitationResult{
				{Email: invs[0].Email, Success: true},
				{Email: invs[1].Email, Success: false, Errors: []string{"invalid principal"}},
			}, nil
		}}
		c := newTestCoordinator(api, newFakeDirectory(), newFakeClock())

		res, err := c.InviteMany(context.Background(), []models.Directive{addDirective("a@x.com"), addDirective("b@x.com")})
		require.NoError(t, err)
		assert.True(t, res.Success["a@x.com"])
		assert.False(t, res.Success["b@x.com"])
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, []string{"a@x.com"}, c.Pending().Snapshot())
	})

	t.Run("request error", func(t *testing.T) {
		boom := errors.New("boom")
		api := &fakeAPI{batchResult: func([]models.Invitation) ([]models.InvitationResult, error) { return nil, boom }}
		c := newTestCoordinator(api, newFakeDirectory(), newFakeClock())

		res, err := c.InviteMany(context.Background(), []models.Directive{addDirective("a@x.com")})
		assert.ErrorIs(t, err, boom)
		assert.False(t, res.Success["a@x.com"])
		assert.Equal(t, 0, c.Pending().Len())
	})
}

func TestDrain(t *testing.T) {
	t.Run("all propagate", func(t *testing.T) {
		dir := newFakeDirectory()
		clock := newFakeClock()
		c := newTestCoordinator(&fakeAPI{}, dir, clock)
		c.Pending().Add("a@x.com")
		c.Pending().Add("b@x.com")
		dir.join("a@x.com", 1)
		dir.join("b@x.com", 2)

		processed, remaining, err := c.Drain(context.Background(), 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, processed)
		assert.Equal(t, 0, remaining)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.slept)
	})

	t.Run("bounded by max wait", func(t *testing.T) {
		dir := newFakeDirectory()
		clock := newFakeClock()
		c := newTestCoordinator(&fakeAPI{}, dir, clock)
		c.Pending().Add("slow@x.com")
		start := clock.Now()

		processed, remaining, err := c.Drain(context.Background(), 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 0, processed)
		assert.Equal(t, 1, remaining)
		assert.Equal(t, 10*time.Second, clock.Now().Sub(start), "never waits past the deadline")
	})

	t.Run("empty queue returns immediately", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestCoordinator(&fakeAPI{}, newFakeDirectory(), clock)
		processed, remaining, err := c.Drain(context.Background(), time.Minute)
		require.NoError(t, err)
		assert.Zero(t, processed)
		assert.Zero(t, remaining)
		assert.Empty(t, clock.slept)
	})

	t.Run("cancelled", func(t *testing.T) {
		c := newTestCoordinator(&fakeAPI{}, newFakeDirectory(), newFakeClock())
		c.Pending().Add("a@x.com")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, remaining, err := c.Drain(ctx, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, remaining)
	})
}
