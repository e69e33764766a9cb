// internal/app/features/crews/crews.go
package crews

import (
	"net/http"

	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
)

type createCrewRequest struct {
	Name           string `json:"name"`
	JobPreferences bson.M `json:"job_preferences"`
}

type updateCrewRequest struct {
	Name           *string `json:"name"`
	IsActive       *bool   `json:"is_active"`
	JobPreferences *bson.M `json:"job_preferences"`
}

func crewID(r *http.Request) models.CrewID {
	return models.CrewID(chi.URLParam(r, "crewID"))
}

// HandleCreateCrew handles POST /api/crews.
func (h *Handler) HandleCreateCrew(w http.ResponseWriter, r *http.Request) {
	var req createCrewRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "create crew")
	defer cancel()

	crew, err := h.Coord.CreateCrew(ctx, actor(r), operationID(w, r), req.Name, req.JobPreferences)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, crew)
}

// ServeMyCrews handles GET /api/crews: the caller's memberships, most
// recently active first.
func (h *Handler) ServeMyCrews(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Medium(), h.Log, "list my crews")
	defer cancel()

	members, err := h.Coord.ListMyCrews(ctx, actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"crews": members})
}

// ServeCrew handles GET /api/crews/{crewID}.
func (h *Handler) ServeCrew(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get crew")
	defer cancel()

	crew, err := h.Coord.GetCrew(ctx, actor(r), crewID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, crew)
}

// HandleUpdateCrew handles PATCH /api/crews/{crewID}.
func (h *Handler) HandleUpdateCrew(w http.ResponseWriter, r *http.Request) {
	var req updateCrewRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "update crew")
	defer cancel()

	patch := membership.CrewPatch{Name: req.Name, IsActive: req.IsActive, JobPreferences: req.JobPreferences}
	crew, err := h.Coord.UpdateCrew(ctx, actor(r), operationID(w, r), crewID(r), patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, crew)
}
