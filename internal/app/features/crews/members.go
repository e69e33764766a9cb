// internal/app/features/crews/members.go
package crews

import (
	"net/http"

	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
)

type addMemberRequest struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

type changeRoleRequest struct {
	Role models.Role `json:"role"`
}

type preferencesRequest struct {
	Preferences bson.M `json:"preferences"`
}

// ServeMembers handles GET /api/crews/{crewID}/members.
func (h *Handler) ServeMembers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Medium(), h.Log, "list members")
	defer cancel()

	members, err := h.Coord.ListMembers(ctx, actor(r), crewID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// HandleAddMember handles POST /api/crews/{crewID}/members.
func (h *Handler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "add member")
	defer cancel()

	m, err := h.Coord.AddMember(ctx, actor(r), operationID(w, r), crewID(r), req.UserID, req.Role)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, m)
}

// HandleRemoveMember handles DELETE /api/crews/{crewID}/members/{userID}.
// Removing yourself leaves the crew.
func (h *Handler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "remove member")
	defer cancel()

	err := h.Coord.RemoveMember(ctx, actor(r), operationID(w, r), crewID(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChangeRole handles PUT /api/crews/{crewID}/members/{userID}/role.
func (h *Handler) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "change role")
	defer cancel()

	m, err := h.Coord.ChangeRole(ctx, actor(r), operationID(w, r), crewID(r), chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// HandlePreferences handles PUT /api/crews/{crewID}/preferences (the
// caller's own member preferences).
func (h *Handler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "update preferences")
	defer cancel()

	m, err := h.Coord.UpdateMemberPreferences(ctx, actor(r), operationID(w, r), crewID(r), req.Preferences)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}
