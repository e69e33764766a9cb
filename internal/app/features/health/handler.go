// internal/app/features/health/handler.go
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// Pinger is anything with a connectivity check (docstore.Store, a Redis
// client adapter).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler holds dependencies needed for health checks.
type Handler struct {
	Store Pinger
	Redis Pinger // optional
	Log   *zap.Logger
}

// NewHandler constructs a health Handler. redis may be nil.
func NewHandler(store, redis Pinger, logger *zap.Logger) *Handler {
	return &Handler{Store: store, Redis: redis, Log: logger}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "redis":"connected" }
//
// On failure: 503 and
//
//	{ "status":"error", "database":"disconnected", "message":"Database unavailable" }
//
// Storage errors are logged, never returned.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{Status: "ok", Database: "connected"}
	status := http.StatusOK

	if err := h.Store.Ping(ctx); err != nil {
		h.Log.Error("health-check: store ping failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		resp.Status = "error"
		resp.Database = "disconnected"
		resp.Message = "Database unavailable"
	}

	if h.Redis != nil {
		resp.Redis = "connected"
		if err := h.Redis.Ping(ctx); err != nil {
			h.Log.Error("health-check: redis ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Redis = "disconnected"
			if resp.Message == "" {
				resp.Message = "Redis unavailable"
			}
		}
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
