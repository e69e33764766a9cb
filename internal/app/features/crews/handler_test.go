package crews_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/features/crews"
	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type api struct {
	t      *testing.T
	ds     *docstore.Memory
	mgr    *membership.Manager
	router http.Handler
}

func newAPI(t *testing.T, policy ratelimit.Policy) *api {
	t.Helper()
	ds := testutil.NewMemoryStore(t)
	mgr := membership.New(ds, nil, zap.NewNop())
	ex := executor.New(ds, zap.NewNop(), executor.DefaultConfig())
	limiter := ratelimit.NewLimiter(counters.New(ds), policy, zap.NewNop(), nil)
	coord := coordinator.New(mgr, ex, limiter, zap.NewNop())

	sessions := identity.NewSessions(zap.NewNop())
	t.Cleanup(sessions.Close)
	cookie := identity.NewHandleCookie("crewhub-session", []byte("0123456789abcdef0123456789abcdef"), false, time.Hour)
	sm := auth.NewSessionManager(sessions, cookie, zap.NewNop())

	r := chi.NewRouter()
	r.Mount("/api", crews.Routes(crews.NewHandler(coord, zap.NewNop()), sm))
	return &api{t: t, ds: ds, mgr: mgr, router: r}
}

func (a *api) do(user, method, path, opID string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if opID != "" {
		req.Header.Set(crews.IdempotencyHeader, opID)
	}
	if user != "" {
		req = auth.WithUser(req, &auth.SessionUser{ID: user})
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateCrew_RequiresSignIn(t *testing.T) {
	a := newAPI(t, nil)
	rec := a.do("", http.MethodPost, "/api/crews", "", map[string]any{"name": "Locals United"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCrew_IdempotencyKey(t *testing.T) {
	a := newAPI(t, nil)

	first := a.do("bob", http.MethodPost, "/api/crews", "op-1", map[string]any{"name": "Locals United"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, "op-1", first.Header().Get(crews.IdempotencyHeader))
	var c1 models.Crew
	decodeInto(t, first, &c1)

	second := a.do("bob", http.MethodPost, "/api/crews", "op-1", map[string]any{"name": "Locals United"})
	require.Equal(t, http.StatusCreated, second.Code)
	var c2 models.Crew
	decodeInto(t, second, &c2)
	assert.Equal(t, c1.ID, c2.ID)

	n, err := a.ds.Count(t.Context(), docstore.Crews, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Without a key each request is its own operation.
	third := a.do("bob", http.MethodPost, "/api/crews", "", map[string]any{"name": "Locals United"})
	require.Equal(t, http.StatusCreated, third.Code)
	assert.NotEmpty(t, third.Header().Get(crews.IdempotencyHeader))
}

func TestCreateCrew_RateLimitedSetsRetryAfter(t *testing.T) {
	ws, err := ratelimit.ParseWindows("1/1h")
	require.NoError(t, err)
	a := newAPI(t, ratelimit.Policy{ratelimit.ActionCreateCrew: ws})

	require.Equal(t, http.StatusCreated, a.do("bob", http.MethodPost, "/api/crews", "op-1", map[string]any{"name": "One"}).Code)
	rec := a.do("bob", http.MethodPost, "/api/crews", "op-2", map[string]any{"name": "Two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInvitationFlow(t *testing.T) {
	a := newAPI(t, nil)
	crew := testutil.CreateCrew(t, a.mgr, "Locals United", "bob")
	base := "/api/crews/" + string(crew.ID)

	rec := a.do("bob", http.MethodPost, base+"/invitations", "op-1", map[string]any{"user_id": "nia"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inv models.Invitation
	decodeInto(t, rec, &inv)

	rec = a.do("nia", http.MethodGet, "/api/invitations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open struct {
		Invitations []models.Invitation `json:"invitations"`
	}
	decodeInto(t, rec, &open)
	require.Len(t, open.Invitations, 1)

	rec = a.do("mo", http.MethodPost, "/api/invitations/"+inv.ID+"/accept", "op-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do("nia", http.MethodPost, "/api/invitations/"+inv.ID+"/accept", "op-3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do("nia", http.MethodGet, base+"/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var members struct {
		Members []models.Member `json:"members"`
	}
	decodeInto(t, rec, &members)
	assert.Len(t, members.Members, 2)
}

func TestMembersAndRoles(t *testing.T) {
	a := newAPI(t, nil)
	crew := testutil.CreateCrew(t, a.mgr, "Locals United", "bob")
	testutil.AddMembers(t, a.mgr, crew.ID, "mo", "nia")
	base := "/api/crews/" + string(crew.ID)

	rec := a.do("bob", http.MethodPut, base+"/members/mo/role", "op-1", map[string]any{"role": "lead"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A lead cannot remove members.
	rec = a.do("mo", http.MethodDelete, base+"/members/nia", "op-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The foreman cannot leave.
	rec = a.do("bob", http.MethodDelete, base+"/members/bob", "op-3", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do("nia", http.MethodDelete, base+"/members/nia", "op-4", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do("nia", http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do("bob", http.MethodPost, base+"/members", "op-5", map[string]any{"user_id": "mo"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateCrewAndPreferences(t *testing.T) {
	a := newAPI(t, nil)
	crew := testutil.CreateCrew(t, a.mgr, "Locals United", "bob")
	testutil.AddMembers(t, a.mgr, crew.ID, "mo")
	base := "/api/crews/" + string(crew.ID)

	rec := a.do("mo", http.MethodPatch, base, "op-1", map[string]any{"name": "Mine Now"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do("mo", http.MethodPut, base+"/preferences", "op-2", map[string]any{
		"preferences": map[string]any{"trade": "electrician"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do("bob", http.MethodPatch, base, "op-3", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Crew
	decodeInto(t, rec, &updated)
	assert.False(t, updated.IsActive)

	rec = a.do("bob", http.MethodPost, base+"/invitations", "op-4", map[string]any{"user_id": "zed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestItems(t *testing.T) {
	a := newAPI(t, nil)
	crew := testutil.CreateCrew(t, a.mgr, "Locals United", "bob")
	testutil.AddMembers(t, a.mgr, crew.ID, "mo")
	base := "/api/crews/" + string(crew.ID)

	rec := a.do("mo", http.MethodPost, base+"/items", "op-1", map[string]any{
		"kind":    "shared_job",
		"body":    "Pier 9 needs two welders",
		"payload": map[string]any{"job_id": "J-77"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item models.Item
	decodeInto(t, rec, &item)

	rec = a.do("bob", http.MethodGet, base+"/items?kind=shared_job&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.Item `json:"items"`
	}
	decodeInto(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, item.ID, list.Items[0].ID)

	rec = a.do("bob", http.MethodGet, base+"/items?before=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do("bob", http.MethodGet, base+"/items?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do("bob", http.MethodDelete, base+"/items/"+item.ID, "op-2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do("mo", http.MethodPost, base+"/items", "op-3", map[string]any{"kind": "poll", "body": "?"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	a := newAPI(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/crews", bytes.NewBufferString("{not json"))
	req = auth.WithUser(req, &auth.SessionUser{ID: "bob"})
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeCrew_Direct(t *testing.T) {
	a := newAPI(t, nil)
	crew := testutil.CreateCrew(t, a.mgr, "Locals United", "bob")
	ex := executor.New(a.ds, zap.NewNop(), executor.DefaultConfig())
	h := crews.NewHandler(coordinator.New(a.mgr, ex, nil, zap.NewNop()), zap.NewNop())

	tests := []struct {
		name   string
		user   string
		crewID string
		want   int
	}{
		{name: "member", user: "bob", crewID: string(crew.ID), want: http.StatusOK},
		{name: "outsider", user: "zed", crewID: string(crew.ID), want: http.StatusForbidden},
		{name: "unknown crew", user: "bob", crewID: "missing", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/crews/"+tt.crewID, nil)
			req = testutil.WithChiURLParams(req, "crewID", tt.crewID)
			req = auth.WithUser(req, &auth.SessionUser{ID: tt.user})
			rec := httptest.NewRecorder()
			h.ServeCrew(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
