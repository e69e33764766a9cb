package coordinator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/store/audit"
	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/app/system/auditlog"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/fanout"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type outcomes struct{ seen map[string]int }

func (o *outcomes) Operation(op, outcome string) { o.seen[op+":"+outcome]++ }

type fixture struct {
	ds       *docstore.Memory
	svc      *coordinator.Service
	waker    *countingWaker
	outcomes *outcomes
	audit    *audit.Store
}

func newFixture(t *testing.T, policy ratelimit.Policy) *fixture {
	t.Helper()
	ds := testutil.NewMemoryStore(t)
	clock := testutil.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	queue := fanout.New(ds, fanout.LogTransport{Log: zap.NewNop()}, zap.NewNop(), fanout.DefaultConfig())
	mgr := membership.New(ds, queue, zap.NewNop(), membership.WithClock(clock.Now))
	ex := executor.New(ds, zap.NewNop(), executor.Config{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		AttemptTimeout: time.Second,
	})
	limiter := ratelimit.NewLimiter(counters.New(ds, counters.WithClock(clock.Now)), policy, zap.NewNop(), nil)
	store := audit.New(ds)
	f := &fixture{
		ds:       ds,
		waker:    &countingWaker{},
		outcomes: &outcomes{seen: map[string]int{}},
		audit:    store,
	}
	f.svc = coordinator.New(mgr, ex, limiter, zap.NewNop(),
		coordinator.WithWaker(f.waker),
		coordinator.WithRecorder(f.outcomes),
		coordinator.WithAudit(auditlog.New(store, zap.NewNop(), auditlog.Config{Crew: "db", Ops: "db"})),
	)
	return f
}

func TestCreateCrew_OperationIDScopedToActor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bobs, err := f.svc.CreateCrew(ctx, "bob", "op-shared", "Locals United", nil)
	require.NoError(t, err)

	alices, err := f.svc.CreateCrew(ctx, "alice", "op-shared", "Night Shift", nil)
	require.NoError(t, err)
	assert.NotEqual(t, bobs.ID, alices.ID)
	assert.Equal(t, "alice", alices.ForemanID)
	assert.Equal(t, "Night Shift", alices.Name)

	again, err := f.svc.CreateCrew(ctx, "alice", "op-shared", "Night Shift", nil)
	require.NoError(t, err)
	assert.Equal(t, alices.ID, again.ID)

	ids, err := f.svc.Manager().UserCrews(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []models.CrewID{alices.ID}, ids)
	assert.Equal(t, 2, f.outcomes.seen[coordinator.OpCreateCrew+":"+coordinator.OutcomeOK])
	assert.Equal(t, 1, f.outcomes.seen[coordinator.OpCreateCrew+":"+coordinator.OutcomeReplayed])
}

func mustPolicy(t *testing.T, action, spec string) ratelimit.Policy {
	t.Helper()
	ws, err := ratelimit.ParseWindows(spec)
	require.NoError(t, err)
	return ratelimit.Policy{action: ws}
}

func TestCreateCrew_ReplayDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t, mustPolicy(t, ratelimit.ActionCreateCrew, "2/1h"))
	ctx := context.Background()

	first, err := f.svc.CreateCrew(ctx, "bob", "op-1", "Locals United", nil)
	require.NoError(t, err)

	// Replays of op-1 are served from the operation cache.
	for i := 0; i < 3; i++ {
		again, err := f.svc.CreateCrew(ctx, "bob", "op-1", "Locals United", nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	_, err = f.svc.CreateCrew(ctx, "bob", "op-2", "Second", nil)
	require.NoError(t, err)

	_, err = f.svc.CreateCrew(ctx, "bob", "op-3", "Third", nil)
	require.Error(t, err)
	assert.Equal(t, crewerr.KindRateLimited, crewerr.KindOf(err))
	retry, ok := crewerr.RetryAfterOf(err)
	assert.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	n, err := f.ds.Count(ctx, docstore.Crews, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.EqualValues(t, 2, f.waker.n.Load(), "only commits wake the fan-out worker")
	assert.Equal(t, 2, f.outcomes.seen["create_crew:ok"])
	assert.Equal(t, 3, f.outcomes.seen["create_crew:replayed"])
	assert.Equal(t, 1, f.outcomes.seen["create_crew:rate_limited"])

	created, err := f.audit.CountByFilter(ctx, audit.QueryFilter{EventType: audit.EventCrewCreated})
	require.NoError(t, err)
	assert.EqualValues(t, 2, created)
	denied, err := f.audit.CountByFilter(ctx, audit.QueryFilter{EventType: audit.EventRateLimited})
	require.NoError(t, err)
	assert.EqualValues(t, 1, denied)
}

func TestMutations_RequireIdentityAndOperationID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateCrew(ctx, "", "op-1", "Locals United", nil)
	assert.Equal(t, crewerr.KindUnauthenticated, crewerr.KindOf(err))

	_, err = f.svc.CreateCrew(ctx, "bob", "", "Locals United", nil)
	assert.Equal(t, crewerr.KindInvalid, crewerr.KindOf(err))

	_, err = f.svc.GetCrew(ctx, "", "localsunited-1")
	assert.Equal(t, crewerr.KindUnauthenticated, crewerr.KindOf(err))

	_, err = f.svc.CreateItem(ctx, "bob", "op-2", "localsunited-1", models.ItemKind("poll"), "hi", nil)
	assert.Equal(t, crewerr.KindInvalid, crewerr.KindOf(err))
}

func TestOperationIDReusedForAnotherKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	crew, err := f.svc.CreateCrew(ctx, "bob", "op-1", "Locals United", nil)
	require.NoError(t, err)

	_, err = f.svc.Invite(ctx, "bob", "op-1", crew.ID, "nia")
	assert.Equal(t, crewerr.KindConflict, crewerr.KindOf(err))
}

func TestInviteAcceptAndLeave(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	crew, err := f.svc.CreateCrew(ctx, "bob", "op-1", "Locals United", nil)
	require.NoError(t, err)

	inv, err := f.svc.Invite(ctx, "bob", "op-2", crew.ID, "nia")
	require.NoError(t, err)

	open, err := f.svc.ListInvitations(ctx, "nia")
	require.NoError(t, err)
	require.Len(t, open, 1)

	accepted, err := f.svc.RespondInvitation(ctx, "nia", "op-3", inv.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, accepted.Status)

	members, err := f.svc.ListMembers(ctx, "nia", crew.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	item, err := f.svc.CreateItem(ctx, "nia", "op-4", crew.ID, models.ItemPost, "Hiring at pier 9", nil)
	require.NoError(t, err)
	items, err := f.svc.ListItems(ctx, "bob", crew.ID, models.ItemPost, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)

	require.NoError(t, f.svc.RemoveMember(ctx, "nia", "op-5", crew.ID, "nia"))
	// Replaying the departure is a no-op rather than NotFound.
	require.NoError(t, f.svc.RemoveMember(ctx, "nia", "op-5", crew.ID, "nia"))

	left, err := f.audit.CountByFilter(ctx, audit.QueryFilter{EventType: audit.EventMemberLeft})
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)

	_, err = f.svc.ListMembers(ctx, "nia", crew.ID)
	assert.Equal(t, crewerr.KindForbidden, crewerr.KindOf(err))
}

func TestTerminalErrorsAreRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	crew, err := f.svc.CreateCrew(ctx, "bob", "op-1", "Locals United", nil)
	require.NoError(t, err)

	_, err = f.svc.ChangeRole(ctx, "mo", "op-2", crew.ID, "bob", models.RoleLead)
	require.Error(t, err)
	assert.True(t, crewerr.IsTerminal(err))
	assert.Equal(t, 1, f.outcomes.seen["change_role:"+string(crewerr.KindOf(err))])
	assert.EqualValues(t, 1, f.waker.n.Load())
}
