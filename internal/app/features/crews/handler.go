// internal/app/features/crews/handler.go
package crews

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/dalemusser/crewhub/internal/app/features/errors"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdempotencyHeader carries the client's operation id. Retrying a request
// with the same value returns the first result instead of repeating it.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 64 << 10

// Handler is the dependency container for the crews API.
type Handler struct {
	Coord *coordinator.Service
	Log   *zap.Logger
}

// NewHandler constructs a crews Handler.
func NewHandler(coord *coordinator.Service, logger *zap.Logger) *Handler {
	return &Handler{Coord: coord, Log: logger}
}

// operationID returns the request's idempotency key, generating one when
// the client sent none, and echoes it on the response.
func operationID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(IdempotencyHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(IdempotencyHeader, id)
	return id
}

func actor(r *http.Request) string {
	return auth.UserID(r.Context())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return crewerr.Invalid("malformed JSON body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Debug("write response", zap.Error(err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	apierrors.Write(w, h.Log, err)
}
