package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/internal/azdotest"
	"github.com/vaintrub/azdo-roster/internal/invite"
	"github.com/vaintrub/azdo-roster/models"
)

// === Helpers ===

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestReconciler(t *testing.T, srv *azdotest.Server, opts ...Option) *Reconciler {
	t.Helper()
	clock := newTestClock()
	base := []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(clock.Now),
		WithMaxWait(10 * time.Second),
		WithInviteOptions(
			invite.WithClock(clock.Now, clock.Sleep),
			invite.WithSettleInterval(time.Second),
		),
	}
	return New(srv.NewClient(t), append(base, opts...)...)
}

func add(email, team string) models.Directive {
	return models.Directive{UserEmail: email, TeamName: team, Role: models.RoleMember, Action: models.ActionAdd}
}

func remove(email, team string) models.Directive {
	return models.Directive{UserEmail: email, TeamName: team, Role: models.RoleMember, Action: models.ActionRemove}
}

func indexOf(routes []azdotest.Route, r azdotest.Route) int {
	for i, x := range routes {
		if x == r {
			return i
		}
	}
	return -1
}

// === End-to-end scenarios ===

func TestRun_InvitesAbsentUserAndAddsToTeam(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Dev Team")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{add("alice@x.com", "Dev Team")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	assert.Equal(t, models.StatusSuccess, out.Status, out.Detail)
	assert.Equal(t, `added to team "Dev Team"`, out.Detail)

	assert.Equal(t, 1, srv.Hits(azdotest.RouteInviteBatch))
	assert.Equal(t, 0, srv.Hits(azdotest.RouteInviteUser))
	assert.True(t, srv.IsTeamMember(team.ID, "alice@x.com"))
	assert.Equal(t, 1, report.Invited)
	assert.Equal(t, 0, report.PendingRemaining)
	assert.False(t, report.Cancelled)
	assert.NotEmpty(t, report.RunID)
}

func TestRun_RemoveNonMemberIsNoop(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("QA")
	srv.AddUser("bob@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{remove("bob@x.com", "QA")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
	assert.Equal(t, 0, srv.Hits(azdotest.RouteRemoveMembership))
	assert.Equal(t, 0, srv.Hits(azdotest.RouteInviteBatch), "remove directives never invite")
}

func TestRun_RemoveMember(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("QA")
	srv.AddUser("bob@x.com")
	srv.AddTeamMember(team.ID, "bob@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{remove("bob@x.com", "qa")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
	assert.Equal(t, `removed from team "QA"`, report.Outcomes[0].Detail)
	assert.False(t, srv.IsTeamMember(team.ID, "bob@x.com"))
}

func TestRun_AmbiguousTargetFailsOnlyThatDirective(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Finance")
	srv.AddTeam("Finance Archive")
	srv.AddUser("carol@x.com")
	srv.AddUser("dave@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{
		add("carol@x.com", "Finan"),
		add("dave@x.com", "Finance"),
	})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, models.StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Detail, "ambiguous")
	assert.Contains(t, report.Outcomes[0].Detail, "Finance Archive")
	assert.Equal(t, models.StatusSuccess, report.Outcomes[1].Status, report.Outcomes[1].Detail)
	assert.Equal(t, 1, srv.Hits(azdotest.RouteAddTeamMember), "ambiguous directive must not write")
}

func TestRun_PartialTeamNameNotedInDetail(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Platform Engineering")
	srv.AddUser("erin@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{add("erin@x.com", "platform")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	assert.Equal(t, models.StatusSuccess, out.Status, out.Detail)
	assert.Equal(t, `added to team "Platform Engineering" (partial match for "platform")`, out.Detail)
	assert.True(t, srv.IsTeamMember(team.ID, "erin@x.com"))
}

func TestRun_CancelledBetweenDirectives(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	var directives []models.Directive
	for i := 0; i < 10; i++ {
		email := fmt.Sprintf("user%d@x.com", i)
		srv.AddUser(email)
		directives = append(directives, add(email, "Dev Team"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []int
	r := newTestReconciler(t, srv, WithProgress(func(p Progress) {
		seen = append(seen, p.Index)
		assert.Equal(t, 10, p.Total)
		if p.Index == 3 {
			cancel()
		}
	}))

	report, err := r.Run(ctx, directives)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	require.Len(t, report.Outcomes, 3)
	for i, out := range report.Outcomes {
		assert.Equal(t, directives[i], out.Directive)
		assert.Equal(t, models.StatusSuccess, out.Status, out.Detail)
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, srv.Hits(azdotest.RouteAddTeamMember))
}

// cancelOnAdd cancels the run while the nth team-member write is in flight.
type cancelOnAdd struct {
	*client.Adapter
	n      int
	calls  int
	cancel context.CancelFunc
}

func (a *cancelOnAdd) AddTeamMemberByEmail(ctx context.Context, teamID, email string) error {
	a.calls++
	if a.calls == a.n {
		a.cancel()
	}
	return a.Adapter.AddTeamMemberByEmail(ctx, teamID, email)
}

func TestRun_CancelledDuringDirective(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Dev Team")
	var directives []models.Directive
	for i := 0; i < 10; i++ {
		email := fmt.Sprintf("user%d@x.com", i)
		srv.AddUser(email)
		directives = append(directives, add(email, "Dev Team"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &cancelOnAdd{Adapter: srv.NewClient(t), n: 4, cancel: cancel}
	clock := newTestClock()
	r := New(api,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(clock.Now),
		WithMaxWait(10*time.Second),
		WithInviteOptions(invite.WithClock(clock.Now, clock.Sleep)),
	)

	report, err := r.Run(ctx, directives)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	require.Len(t, report.Outcomes, 4, "the in-flight directive finishes, the rest are skipped")
	for i, out := range report.Outcomes {
		assert.Equal(t, directives[i], out.Directive)
		assert.Equal(t, models.StatusSuccess, out.Status, out.Detail)
	}
	assert.True(t, srv.IsTeamMember(team.ID, "user3@x.com"))
	assert.False(t, srv.IsTeamMember(team.ID, "user4@x.com"))
	assert.Equal(t, 4, srv.Hits(azdotest.RouteAddTeamMember))
}

func TestRun_SingleBatchInvitation(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Dev Team")

	var directives []models.Directive
	for i := 0; i < 40; i++ {
		email := fmt.Sprintf("member%02d@x.com", i)
		srv.AddUser(email)
		directives = append(directives, add(email, "Dev Team"))
	}
	for i := 0; i < 10; i++ {
		directives = append(directives, add(fmt.Sprintf("new%02d@x.com", i), "Dev Team"))
	}

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), directives)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Hits(azdotest.RouteInviteBatch))
	assert.Equal(t, 0, srv.Hits(azdotest.RouteInviteUser))
	assert.Len(t, srv.Invitations(), 10)
	assert.Equal(t, 10, report.Invited)

	requests := srv.Requests()
	batch := indexOf(requests, azdotest.RouteInviteBatch)
	firstWrite := indexOf(requests, azdotest.RouteAddTeamMember)
	require.NotEqual(t, -1, firstWrite)
	assert.Less(t, batch, firstWrite, "batch invitation must precede membership changes")

	require.Len(t, report.Outcomes, 50)
	assert.Equal(t, 50, report.Totals().Succeeded)
	assert.True(t, srv.IsTeamMember(team.ID, "new09@x.com"))
}

// === Run boundary ===

func TestRun_ConnectivityFailureAborts(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.SetToken("rotated")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{add("alice@x.com", "Dev Team")})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, models.ErrConnectivity))
	assert.Equal(t, 0, srv.Hits(azdotest.RouteListTeams))
}

func TestTestConnectivity(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	r := newTestReconciler(t, srv)
	require.NoError(t, r.TestConnectivity(context.Background()))

	srv.SetToken("rotated")
	err := r.TestConnectivity(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConnectivity))
}

func TestRun_InvalidDirectiveIsError(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Dev Team")
	srv.AddUser("erin@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{
		add("erin@x.com", ""),
		add("not-an-email", "Dev Team"),
		add("erin@x.com", "Dev Team"),
	})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, models.StatusError, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Detail, "team name cannot be empty")
	assert.Equal(t, models.StatusError, report.Outcomes[1].Status)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[2].Status)
	assert.True(t, srv.IsTeamMember(team.ID, "erin@x.com"))
	assert.Len(t, srv.Invitations(), 0)
}

// === Targets ===

func TestRun_SecurityGroup(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	readers := srv.AddSecurityGroup("Readers")
	srv.AddUser("frank@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{
		add("frank@x.com", "Readers"),
		add("frank@x.com", "Readers"),
	})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	for _, out := range report.Outcomes {
		assert.Equal(t, models.StatusSuccess, out.Status, out.Detail)
	}
	assert.True(t, srv.IsGroupMember(readers.Descriptor, "frank@x.com"))
	assert.Equal(t, 1, srv.Hits(azdotest.RouteAddMembership), "second add is a no-op")
}

func TestRun_CustomGroupByName(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	approvers := srv.AddOrganizationGroup("Release Approvers")
	srv.AddUser("gina@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{add("gina@x.com", "Release Approvers")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
	assert.Equal(t, `added to group "Release Approvers"`, report.Outcomes[0].Detail)
	assert.True(t, srv.IsGroupMember(approvers.Descriptor, "gina@x.com"))
}

func TestRun_UnknownTargetFails(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	srv.AddUser("hank@x.com")

	r := newTestReconciler(t, srv)
	report, err := r.Run(context.Background(), []models.Directive{
		add("hank@x.com", "Platform"),
		remove("hank@x.com", "Platform"),
	})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, models.StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Detail, "not implemented")
	assert.Equal(t, models.StatusFailed, report.Outcomes[1].Status)
	assert.Equal(t, `team or group "Platform" not found`, report.Outcomes[1].Detail)
}

// === Invitations ===

func TestRun_InlineEntitlementShortCircuits(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	srv.Fail(azdotest.RouteInviteBatch, 503, 1)

	r := newTestReconciler(t, srv)
	d := add("ivy@x.com", "Dev Team")
	d.Role = models.RoleReader
	report, err := r.Run(context.Background(), []models.Directive{d})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
	assert.Contains(t, report.Outcomes[0].Detail, "project entitlement")
	assert.Equal(t, 0, srv.Hits(azdotest.RouteAddTeamMember))

	invs := srv.Invitations()
	require.Len(t, invs, 1)
	assert.Equal(t, models.GroupTypeProjectReader, invs[0].GroupType)
	assert.Equal(t, srv.Project().ID, invs[0].ProjectID)
}

func TestRun_PendingInvitationReported(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	team := srv.AddTeam("Dev Team")
	srv.SetPropagationDelay(1000)

	r := newTestReconciler(t, srv, WithMaxWait(5*time.Second))
	report, err := r.Run(context.Background(), []models.Directive{add("jo@x.com", "Dev Team")})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[0].Status, report.Outcomes[0].Detail)
	assert.True(t, srv.IsTeamMember(team.ID, "jo@x.com"))
	assert.Equal(t, 1, srv.Hits(azdotest.RouteInviteBatch))
	assert.Equal(t, 0, srv.Hits(azdotest.RouteInviteUser), "no re-invite for a pending user")
	assert.Equal(t, 0, report.PendingProcessed)
	assert.Equal(t, 1, report.PendingRemaining)
}

// === Callbacks ===

func TestRun_LogLineCallback(t *testing.T) {
	srv := azdotest.NewServer(t, "Project X")
	srv.AddTeam("Dev Team")
	srv.AddUser("kim@x.com")

	var mu sync.Mutex
	var lines []string
	r := newTestReconciler(t, srv, WithLogLine(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	}, slog.LevelInfo))

	report, err := r.Run(context.Background(), []models.Directive{add("kim@x.com", "Dev Team")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Contains(t, last, "INFO run finished")
	assert.Contains(t, last, "run_id="+report.RunID)
	assert.Contains(t, last, "succeeded=1")
	for _, l := range lines {
		assert.False(t, strings.Contains(l, "DEBUG"), "debug lines are filtered: %s", l)
	}
}
