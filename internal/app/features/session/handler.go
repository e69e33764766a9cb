// internal/app/features/session/handler.go
package session

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apierrors "github.com/dalemusser/crewhub/internal/app/features/errors"
	"github.com/dalemusser/crewhub/internal/app/system/auditlog"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"go.uber.org/zap"
)

// Handler exchanges identity provider tokens for session handles.
type Handler struct {
	SessionMgr *auth.SessionManager
	Verifier   *identity.Verifier
	Limiter    *ratelimit.SessionLimiter // optional
	Audit      *auditlog.Logger          // optional
	Log        *zap.Logger
}

// NewHandler creates a session Handler.
func NewHandler(sm *auth.SessionManager, verifier *identity.Verifier, limiter *ratelimit.SessionLimiter, audit *auditlog.Logger, logger *zap.Logger) *Handler {
	return &Handler{SessionMgr: sm, Verifier: verifier, Limiter: limiter, Audit: audit, Log: logger}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Status    identity.Status `json:"status"`
	UserID    string          `json:"user_id,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func response(s identity.State) sessionResponse {
	out := sessionResponse{Status: s.Status}
	if s.Authenticated() {
		out.UserID = s.Identity.UserID
		if !s.Identity.ExpiresAt.IsZero() {
			t := s.Identity.ExpiresAt
			out.ExpiresAt = &t
		}
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Debug("write response", zap.Error(err))
	}
}

// verify decodes the body, applies the throttle, and checks the token.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	var req tokenRequest
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.Write(w, h.Log, crewerr.Invalid("malformed JSON body"))
		return identity.Identity{}, false
	}
	if req.Token == "" {
		apierrors.Write(w, h.Log, crewerr.Invalid("token is required"))
		return identity.Identity{}, false
	}
	if h.Limiter != nil {
		if ok, wait := h.Limiter.Check(r, ""); !ok {
			apierrors.Write(w, h.Log, crewerr.RateLimited("session", wait))
			return identity.Identity{}, false
		}
	}
	id, err := h.Verifier.Verify(req.Token)
	if err != nil {
		apierrors.Write(w, h.Log, err)
		return identity.Identity{}, false
	}
	if h.Limiter != nil {
		if ok, wait := h.Limiter.Check(r, id.UserID); !ok {
			apierrors.Write(w, h.Log, crewerr.RateLimited("session", wait))
			return identity.Identity{}, false
		}
	}
	return id, true
}

// HandleSignIn handles POST /api/session with {"token": "<provider JWT>"}.
// An existing handle is reused so open subscriptions follow the new identity.
func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.verify(w, r)
	if !ok {
		return
	}
	handle, ok := h.SessionMgr.Handle(r)
	if !ok {
		handle = identity.NewHandle()
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "sign in")
	defer cancel()

	state, err := h.SessionMgr.Sessions().Publish(ctx, handle, identity.Event{Kind: identity.SignedIn, Identity: id})
	if err != nil {
		apierrors.Write(w, h.Log, crewerr.Unavailable(err))
		return
	}
	if !state.Authenticated() {
		apierrors.Write(w, h.Log, crewerr.Unauthenticated("sign in was not accepted"))
		return
	}
	if err := h.SessionMgr.Cookie().Write(w, handle); err != nil {
		apierrors.Write(w, h.Log, err)
		return
	}
	h.Audit.SignedIn(ctx, r, id.UserID)
	h.writeJSON(w, response(state))
}

// HandleRefresh handles POST /api/session/refresh with a renewed token for
// the same user. A token for another user ends the session.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.SessionMgr.Handle(r)
	if !ok {
		apierrors.Write(w, h.Log, crewerr.Unauthenticated("no session"))
		return
	}
	id, ok := h.verify(w, r)
	if !ok {
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "refresh session")
	defer cancel()

	state, err := h.SessionMgr.Sessions().Publish(ctx, handle, identity.Event{Kind: identity.Refreshed, Identity: id})
	if err != nil {
		apierrors.Write(w, h.Log, crewerr.Unavailable(err))
		return
	}
	if !state.Authenticated() {
		h.SessionMgr.Cookie().Clear(w)
		apierrors.Write(w, h.Log, crewerr.Unauthenticated("session ended"))
		return
	}
	h.writeJSON(w, response(state))
}

// HandleSignOut handles DELETE /api/session.
func (h *Handler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if handle, ok := h.SessionMgr.Handle(r); ok {
		ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "sign out")
		defer cancel()
		userID := auth.UserID(r.Context())
		if _, err := h.SessionMgr.Sessions().Publish(ctx, handle, identity.Event{Kind: identity.SignedOut}); err != nil {
			h.Log.Warn("sign out publish failed", zap.Error(err))
		} else if userID != "" {
			h.Audit.SignedOut(ctx, r, userID)
		}
	}
	h.SessionMgr.Cookie().Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeSession handles GET /api/session: the caller's current identity.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	state := identity.State{Status: identity.StatusUnknown}
	if handle, ok := h.SessionMgr.Handle(r); ok {
		if sync, ok := h.SessionMgr.Sessions().Synchronizer(handle); ok {
			state = sync.Current()
			if state.Authenticated() && state.Identity.ExpiredAt(time.Now()) {
				state = identity.State{Status: identity.StatusUnknown}
			}
		}
	}
	h.writeJSON(w, response(state))
}
