package heartbeat_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/features/heartbeat"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/testutil"
	"go.uber.org/zap"
)

func setup(t *testing.T) (http.Handler, *membership.Manager, *testutil.Clock) {
	t.Helper()
	ds := testutil.NewMemoryStore(t)
	clock := testutil.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	mgr := membership.New(ds, nil, zap.NewNop(), membership.WithClock(clock.Now))
	coord := coordinator.New(mgr, executor.New(ds, zap.NewNop(), executor.DefaultConfig()), nil, zap.NewNop())

	sessions := identity.NewSessions(zap.NewNop())
	t.Cleanup(sessions.Close)
	cookie := identity.NewHandleCookie("crewhub-session", []byte("0123456789abcdef0123456789abcdef"), false, time.Hour)
	sm := auth.NewSessionManager(sessions, cookie, zap.NewNop())
	return heartbeat.Routes(heartbeat.NewHandler(coord, zap.NewNop()), sm), mgr, clock
}

func post(h http.Handler, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if user != "" {
		req = auth.WithUser(req, &auth.SessionUser{ID: user})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHeartbeat_Unauthenticated(t *testing.T) {
	h, _, _ := setup(t)
	if rec := post(h, "", `{"crew_id":"a-1"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestServeHeartbeat_EmptyAndInvalidBody(t *testing.T) {
	h, _, _ := setup(t)
	for _, body := range []string{"", "not json", `{"crew_id":"nope-9"}`} {
		if rec := post(h, "bob", body); rec.Code != http.StatusNoContent {
			t.Errorf("body %q: expected status %d, got %d", body, http.StatusNoContent, rec.Code)
		}
	}
}

func TestServeHeartbeat_ReordersCrews(t *testing.T) {
	h, mgr, clock := setup(t)
	first := testutil.CreateCrew(t, mgr, "First", "bob")
	clock.Advance(time.Minute)
	second := testutil.CreateCrew(t, mgr, "Second", "bob")

	mine, err := mgr.ListCrewsForUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListCrewsForUser: %v", err)
	}
	if mine[0].CrewID != second.ID {
		t.Fatalf("expected %s first, got %s", second.ID, mine[0].CrewID)
	}

	clock.Advance(time.Minute)
	if rec := post(h, "bob", `{"crew_id":"`+string(first.ID)+`"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	mine, err = mgr.ListCrewsForUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListCrewsForUser: %v", err)
	}
	if mine[0].CrewID != first.ID {
		t.Errorf("expected %s first after heartbeat, got %s", first.ID, mine[0].CrewID)
	}
}
