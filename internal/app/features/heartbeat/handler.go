// internal/app/features/heartbeat/handler.go
package heartbeat

import (
	"encoding/json"
	"net/http"

	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.uber.org/zap"
)

// Handler records crew activity pings from open clients.
type Handler struct {
	Coord *coordinator.Service
	Log   *zap.Logger
}

// NewHandler creates a new heartbeat handler.
func NewHandler(coord *coordinator.Service, logger *zap.Logger) *Handler {
	return &Handler{Coord: coord, Log: logger}
}

// heartbeatRequest is the JSON body for the heartbeat endpoint.
type heartbeatRequest struct {
	CrewID models.CrewID `json:"crew_id"`
}

// ServeHeartbeat handles POST /api/heartbeat.
// Marks the caller active in the crew they are viewing, which orders their
// crew list. Always answers 204; a heartbeat is best effort.
func (h *Handler) ServeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // crew is optional
	}
	if req.CrewID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "heartbeat")
	defer cancel()

	userID := auth.UserID(r.Context())
	if err := h.Coord.RecordActivity(ctx, userID, req.CrewID); err != nil {
		h.Log.Debug("heartbeat not recorded",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("crew_id", string(req.CrewID)))
	}
	w.WriteHeader(http.StatusNoContent)
}
