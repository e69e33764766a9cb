package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0    = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	alice = identity.Identity{UserID: "alice", Token: "a1", ExpiresAt: t0.Add(time.Hour)}
	bob   = identity.Identity{UserID: "bob", Token: "b1", ExpiresAt: t0.Add(time.Hour)}
)

func TestReduce(t *testing.T) {
	unknown := identity.State{Status: identity.StatusUnknown}
	authed := identity.State{Status: identity.StatusAuthenticated, Identity: alice}
	refreshed := alice
	refreshed.Token = "a2"
	refreshed.ExpiresAt = t0.Add(2 * time.Hour)

	tests := []struct {
		name string
		from identity.State
		ev   identity.Event
		want identity.State
	}{
		{"sign in", unknown, identity.Event{Kind: identity.SignedIn, Identity: alice}, authed},
		{"sign in without user", unknown, identity.Event{Kind: identity.SignedIn}, unknown},
		{"refresh same user", authed, identity.Event{Kind: identity.Refreshed, Identity: refreshed},
			identity.State{Status: identity.StatusAuthenticated, Identity: refreshed}},
		{"refresh other user drops to unknown", authed, identity.Event{Kind: identity.Refreshed, Identity: bob}, unknown},
		{"refresh while unknown is ignored", unknown, identity.Event{Kind: identity.Refreshed, Identity: alice}, unknown},
		{"sign out", authed, identity.Event{Kind: identity.SignedOut}, unknown},
		{"sign in as someone else replaces", authed, identity.Event{Kind: identity.SignedIn, Identity: bob},
			identity.State{Status: identity.StatusAuthenticated, Identity: bob}},
		{"restore replaces any state", authed, identity.Event{Kind: identity.Restored, Identity: bob},
			identity.State{Status: identity.StatusAuthenticated, Identity: bob}},
		{"restore without user is unknown", authed, identity.Event{Kind: identity.Restored}, unknown},
		{"unknown event", authed, identity.Event{Kind: "bogus"}, authed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, identity.Reduce(tt.from, tt.ev))
		})
	}
}

func TestSynchronizer_DerivesFromOneStream(t *testing.T) {
	s := identity.NewSynchronizer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan identity.Event)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	sub := s.Subscribe(ctx)
	first := <-sub
	assert.Equal(t, identity.StatusUnknown, first.Status)

	_, changed := s.Changed()
	events <- identity.Event{Kind: identity.SignedIn, Identity: alice}
	<-changed

	got := <-sub
	assert.Equal(t, "alice", got.Identity.UserID)

	caller, err := s.Caller(t0)
	require.NoError(t, err)
	assert.Equal(t, "alice", caller.UserID)

	_, err = s.Caller(t0.Add(2 * time.Hour))
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated), "expired token")

	assert.ErrorIs(t, s.Run(ctx, events), identity.ErrAlreadyRunning)

	events <- identity.Event{Kind: identity.SignedOut}
	got = <-sub
	assert.Equal(t, identity.StatusUnknown, got.Status)
	_, err = s.Caller(t0)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))

	close(events)
	assert.NoError(t, <-done)
}

func TestSessions_PublishIsVisibleToTheNextRead(t *testing.T) {
	reg := identity.NewSessions(zap.NewNop())
	defer reg.Close()
	ctx := context.Background()

	_, err := reg.Caller(ctx, "h1", t0)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))

	st, err := reg.Publish(ctx, "h1", identity.Event{Kind: identity.SignedIn, Identity: alice})
	require.NoError(t, err)
	assert.True(t, st.Authenticated())

	got, err := reg.Caller(ctx, "h1", t0)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	// Another session is independent.
	_, err = reg.Caller(ctx, "h2", t0)
	assert.Error(t, err)

	// A refresh carrying a different user never yields that user.
	_, err = reg.Publish(ctx, "h1", identity.Event{Kind: identity.Refreshed, Identity: bob})
	require.NoError(t, err)
	_, err = reg.Caller(ctx, "h1", t0)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))
}

func TestSessions_Prune(t *testing.T) {
	reg := identity.NewSessions(zap.NewNop())
	defer reg.Close()
	ctx := context.Background()

	live := alice
	live.ExpiresAt = time.Now().Add(time.Hour)
	_, err := reg.Publish(ctx, "live", identity.Event{Kind: identity.SignedIn, Identity: live})
	require.NoError(t, err)
	_, err = reg.Publish(ctx, "gone", identity.Event{Kind: identity.SignedOut})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	n, err := reg.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Synchronizer("gone")
	assert.False(t, ok)

	// The handle can be reused after pruning.
	_, err = reg.Publish(ctx, "gone", identity.Event{Kind: identity.SignedIn, Identity: live})
	require.NoError(t, err)
}

func TestVerifier(t *testing.T) {
	v := identity.NewVerifier("0123456789abcdef0123456789abcdef", "crewhub-idp")

	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, token, id.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)

	other := identity.NewVerifier("ffffffffffffffffffffffffffffffff", "crewhub-idp")
	_, err = other.Verify(token)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated), "wrong secret")

	wrongIssuer := identity.NewVerifier("0123456789abcdef0123456789abcdef", "someone-else")
	_, err = wrongIssuer.Verify(token)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))

	expired, err := v.Issue("alice", -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.True(t, errors.Is(err, crewerr.ErrUnauthenticated))
}

func TestHandleCookie_RoundTrip(t *testing.T) {
	c := identity.NewHandleCookie("crewhub-session", []byte("0123456789abcdef0123456789abcdef"), false, time.Hour)

	rec := httptest.NewRecorder()
	handle := identity.NewHandle()
	require.NoError(t, c.Write(rec, handle))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, ck := range rec.Result().Cookies() {
		req.AddCookie(ck)
	}
	got, ok := c.Read(req)
	require.True(t, ok)
	assert.Equal(t, handle, got)

	tampered := httptest.NewRequest(http.MethodGet, "/", nil)
	tampered.AddCookie(&http.Cookie{Name: "crewhub-session", Value: "forged"})
	_, ok = c.Read(tampered)
	assert.False(t, ok)
}
