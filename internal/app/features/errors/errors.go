// internal/app/features/errors/errors.go
package errors

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"go.uber.org/zap"
)

// errorResponse is the JSON body of every failed API call.
//
//	{ "error":"rate_limited", "message":"…", "retry_after_seconds":42 }
type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Status maps an error to its HTTP status.
func Status(err error) int {
	switch crewerr.KindOf(err) {
	case crewerr.KindForbidden:
		return http.StatusForbidden
	case crewerr.KindConflict:
		return http.StatusConflict
	case crewerr.KindRateLimited:
		return http.StatusTooManyRequests
	case crewerr.KindNotFound:
		return http.StatusNotFound
	case crewerr.KindUnavailable:
		return http.StatusServiceUnavailable
	case crewerr.KindInvalid:
		return http.StatusBadRequest
	case crewerr.KindUnauthenticated:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Write renders err as JSON. Errors outside the crewerr taxonomy are logged
// and reported as a generic failure so storage details never leak.
func Write(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := Status(err)
	resp := errorResponse{Error: string(crewerr.KindOf(err)), Message: err.Error()}

	switch status {
	case http.StatusInternalServerError:
		logger.Error("unhandled API error", zap.Error(err))
		resp = errorResponse{Error: "internal", Message: "internal error"}
	case http.StatusServiceUnavailable:
		logger.Warn("API call unavailable", zap.Error(err))
		resp.Message = "service temporarily unavailable, try again"
	case http.StatusTooManyRequests:
		if d, ok := crewerr.RetryAfterOf(err); ok && d > 0 {
			secs := int(math.Ceil(d.Seconds()))
			resp.RetryAfterSeconds = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// NotFound is the router's fallback for unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, zap.NewNop(), crewerr.NotFound("no route for %s %s", r.Method, r.URL.Path))
}

// MethodNotAllowed is the router's fallback for known paths with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: "method_not_allowed", Message: r.Method + " is not allowed here"})
}
