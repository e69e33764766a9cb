// internal/app/features/crews/invitations.go
package crews

import (
	"net/http"

	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/go-chi/chi/v5"
)

type inviteRequest struct {
	UserID string `json:"user_id"`
}

// HandleInvite handles POST /api/crews/{crewID}/invitations.
func (h *Handler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "invite")
	defer cancel()

	inv, err := h.Coord.Invite(ctx, actor(r), operationID(w, r), crewID(r), req.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inv)
}

// ServeMyInvitations handles GET /api/invitations.
func (h *Handler) ServeMyInvitations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Medium(), h.Log, "list invitations")
	defer cancel()

	invs, err := h.Coord.ListInvitations(ctx, actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
}

// respond handles POST /api/invitations/{invitationID}/accept and /decline.
func (h *Handler) respond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "respond invitation")
		defer cancel()

		inv, err := h.Coord.RespondInvitation(ctx, actor(r), operationID(w, r), chi.URLParam(r, "invitationID"), accept)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, inv)
	}
}
