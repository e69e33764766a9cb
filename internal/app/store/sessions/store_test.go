package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/store/sessions"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistry(t *testing.T, ds docstore.Store, clock *testutil.Clock) *identity.Sessions {
	t.Helper()
	reg := identity.NewSessions(zap.NewNop(),
		identity.WithBacking(sessions.New(ds)),
		identity.WithSessionClock(clock.Now))
	t.Cleanup(reg.Close)
	return reg
}

func TestSessions_SurviveRestart(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	alice := identity.Identity{UserID: "alice", Token: "a1", ExpiresAt: clock.Now().Add(time.Hour)}

	first := newRegistry(t, ds, clock)
	_, err := first.Publish(ctx, "h1", identity.Event{Kind: identity.SignedIn, Identity: alice})
	require.NoError(t, err)
	first.Close()

	// A fresh registry over the same store resolves the handle.
	second := newRegistry(t, ds, clock)
	got, err := second.Caller(ctx, "h1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.True(t, alice.ExpiresAt.Equal(got.ExpiresAt))

	_, err = second.Caller(ctx, "h2", clock.Now())
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))

	// Only the derived state is stored.
	var rec sessions.Session
	require.NoError(t, ds.Get(ctx, docstore.Sessions, "h1", &rec))
	assert.Equal(t, identity.StatusAuthenticated, rec.Status)
	assert.EqualValues(t, 1, rec.Version)
}

func TestSessions_SharedAcrossInstances(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	alice := identity.Identity{UserID: "alice", ExpiresAt: clock.Now().Add(time.Hour)}
	bob := identity.Identity{UserID: "bob", ExpiresAt: clock.Now().Add(time.Hour)}

	a := newRegistry(t, ds, clock)
	b := newRegistry(t, ds, clock)

	_, err := a.Publish(ctx, "h1", identity.Event{Kind: identity.SignedIn, Identity: alice})
	require.NoError(t, err)
	got, err := b.Caller(ctx, "h1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	// Signing out on b is seen by a, which still holds a local copy.
	_, err = b.Publish(ctx, "h1", identity.Event{Kind: identity.SignedOut})
	require.NoError(t, err)
	_, err = a.Caller(ctx, "h1", clock.Now())
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))

	// A refresh on a applies on top of b's sign-out, so it is ignored.
	st, err := a.Publish(ctx, "h1", identity.Event{Kind: identity.Refreshed, Identity: alice})
	require.NoError(t, err)
	assert.False(t, st.Authenticated())

	_, err = a.Publish(ctx, "h1", identity.Event{Kind: identity.SignedIn, Identity: bob})
	require.NoError(t, err)
	got, err = b.Caller(ctx, "h1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "bob", got.UserID)

	var rec sessions.Session
	require.NoError(t, ds.Get(ctx, docstore.Sessions, "h1", &rec))
	assert.EqualValues(t, 4, rec.Version)
}

func TestSessions_PruneRemovesStoredSessions(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	live := identity.Identity{UserID: "alice", ExpiresAt: clock.Now().Add(24 * time.Hour)}
	lapsing := identity.Identity{UserID: "bob", ExpiresAt: clock.Now().Add(time.Minute)}

	reg := newRegistry(t, ds, clock)
	for handle, e := range map[string]identity.Event{
		"live":    {Kind: identity.SignedIn, Identity: live},
		"lapsing": {Kind: identity.SignedIn, Identity: lapsing},
		"gone":    {Kind: identity.SignedOut},
	} {
		_, err := reg.Publish(ctx, handle, e)
		require.NoError(t, err)
	}
	reg.Close()

	clock.Advance(2 * time.Hour)
	other := newRegistry(t, ds, clock)
	n, err := other.Prune(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	store := sessions.New(ds)
	_, _, found, err := store.Load(ctx, "live")
	require.NoError(t, err)
	assert.True(t, found)
	for _, handle := range []string{"lapsing", "gone"} {
		_, _, found, err := store.Load(ctx, handle)
		require.NoError(t, err)
		assert.False(t, found, handle)
	}
}

func TestStore_SaveKeepsNewerVersion(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	store := sessions.New(ds)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	authed := identity.State{Status: identity.StatusAuthenticated, Identity: identity.Identity{UserID: "alice"}}

	saved, err := store.Save(ctx, "h1", authed, 2, now)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = store.Save(ctx, "h1", identity.State{Status: identity.StatusUnknown}, 2, now)
	require.NoError(t, err)
	assert.False(t, saved)

	st, version, found, err := store.Load(ctx, "h1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 2, version)
	assert.Equal(t, "alice", st.Identity.UserID)
}
