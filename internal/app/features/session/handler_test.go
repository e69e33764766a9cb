package session_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/features/session"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type client struct {
	t       *testing.T
	router  http.Handler
	cookies []*http.Cookie
}

func newClient(t *testing.T) (*client, *identity.Verifier) {
	t.Helper()
	sessions := identity.NewSessions(zap.NewNop())
	t.Cleanup(sessions.Close)
	cookie := identity.NewHandleCookie("crewhub-session", []byte("0123456789abcdef0123456789abcdef"), false, time.Hour)
	sm := auth.NewSessionManager(sessions, cookie, zap.NewNop())
	verifier := identity.NewVerifier("test-secret", "crewhub-test")

	r := chi.NewRouter()
	r.Use(sm.LoadSessionUser)
	r.Mount("/api/session", session.Routes(session.NewHandler(sm, verifier, nil, nil, zap.NewNop())))
	r.With(sm.RequireSignedIn).Get("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(auth.UserID(r.Context())))
	})
	return &client{t: t, router: r}, verifier
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	if set := rec.Result().Cookies(); len(set) > 0 {
		c.cookies = nil
		for _, ck := range set {
			if ck.MaxAge >= 0 {
				c.cookies = append(c.cookies, ck)
			}
		}
	}
	return rec
}

func token(t *testing.T, v *identity.Verifier, user string) string {
	t.Helper()
	tok, err := v.Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestSignInIsVisibleToTheNextRequest(t *testing.T) {
	c, v := newClient(t)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/whoami", nil).Code)

	rec := c.do(http.MethodPost, "/api/session", map[string]string{"token": token(t, v, "bob")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, c.cookies, 1)

	rec = c.do(http.MethodGet, "/api/whoami", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	rec = c.do(http.MethodGet, "/api/session", nil)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "authenticated", body["status"])
	assert.Equal(t, "bob", body["user_id"])
}

func TestSignInRejectsBadTokens(t *testing.T) {
	c, _ := newClient(t)
	other := identity.NewVerifier("another-secret", "crewhub-test")
	forged, err := other.Issue("bob", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/api/session", map[string]string{"token": forged}).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/session", map[string]string{}).Code)
	assert.Empty(t, c.cookies)
}

func TestRefreshForAnotherUserEndsTheSession(t *testing.T) {
	c, v := newClient(t)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/session", map[string]string{"token": token(t, v, "bob")}).Code)

	rec := c.do(http.MethodPost, "/api/session/refresh", map[string]string{"token": token(t, v, "bob")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/whoami", nil).Code)

	// Keep the old cookie: the handle must no longer resolve to anyone.
	saved := c.cookies
	rec = c.do(http.MethodPost, "/api/session/refresh", map[string]string{"token": token(t, v, "mallory")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	c.cookies = saved
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/whoami", nil).Code)
}

func TestRefreshWithoutSession(t *testing.T) {
	c, v := newClient(t)
	rec := c.do(http.MethodPost, "/api/session/refresh", map[string]string{"token": token(t, v, "bob")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignOut(t *testing.T) {
	c, v := newClient(t)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/session", map[string]string{"token": token(t, v, "bob")}).Code)
	saved := c.cookies

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/api/session", nil).Code)
	assert.Empty(t, c.cookies)

	// A replayed cookie is signed out too.
	c.cookies = saved
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/whoami", nil).Code)
}
