// internal/app/system/auth/auth.go
package auth

import (
	"context"
	"net/http"
	"time"

	apierrors "github.com/dalemusser/crewhub/internal/app/features/errors"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"go.uber.org/zap"
)

// SessionUser is what we resolve from the session & inject into r.Context().
type SessionUser struct {
	ID     string
	Handle string
}

type ctxKey string

const currentUserKey ctxKey = "currentUser"

// CurrentUser returns the user & “found?” flag.
func CurrentUser(r *http.Request) (*SessionUser, bool) {
	u, ok := r.Context().Value(currentUserKey).(*SessionUser)
	return u, ok
}

// UserID returns the caller's user id from ctx, or "".
func UserID(ctx context.Context) string {
	if u, ok := ctx.Value(currentUserKey).(*SessionUser); ok {
		return u.ID
	}
	return ""
}

// SessionManager resolves callers from the session handle cookie through
// the identity Sessions registry. It never keeps its own copy of who is
// signed in.
type SessionManager struct {
	sessions *identity.Sessions
	cookie   *identity.HandleCookie
	log      *zap.Logger
	now      func() time.Time
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(sessions *identity.Sessions, cookie *identity.HandleCookie, logger *zap.Logger) *SessionManager {
	return &SessionManager{sessions: sessions, cookie: cookie, log: logger, now: time.Now}
}

// Sessions returns the identity registry.
func (sm *SessionManager) Sessions() *identity.Sessions { return sm.sessions }

// Cookie returns the handle cookie codec.
func (sm *SessionManager) Cookie() *identity.HandleCookie { return sm.cookie }

// Handle returns the request's session handle, if any.
func (sm *SessionManager) Handle(r *http.Request) (string, bool) {
	return sm.cookie.Read(r)
}

// LoadSessionUser injects the user into context if the session's current
// identity is authenticated and unexpired.
func (sm *SessionManager) LoadSessionUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := sm.cookie.Read(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		id, err := sm.sessions.Caller(r.Context(), handle, sm.now())
		if err != nil {
			sm.log.Debug("session has no usable identity", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, withUser(r, &SessionUser{ID: id.UserID, Handle: handle}))
	})
}

// RequireSignedIn ensures there is a user in context (set by LoadSessionUser).
// API callers get a 401 JSON error.
func (sm *SessionManager) RequireSignedIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CurrentUser(r); ok {
			next.ServeHTTP(w, r)
			return
		}
		apierrors.Write(w, sm.log, crewerr.Unauthenticated("sign in required"))
	})
}

// helpers

func withUser(r *http.Request, u *SessionUser) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), currentUserKey, u))
}

// WithUser returns r carrying u, for handlers and tests that resolve the
// caller some other way.
func WithUser(r *http.Request, u *SessionUser) *http.Request { return withUser(r, u) }
