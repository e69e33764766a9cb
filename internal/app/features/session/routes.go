// internal/app/features/session/routes.go
package session

import "github.com/go-chi/chi/v5"

// Routes serves the session endpoints, mounted under /api/session.
// LoadSessionUser must run before these handlers so sign out can audit the
// departing user.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ServeSession)
	r.Post("/", h.HandleSignIn)
	r.Post("/refresh", h.HandleRefresh)
	r.Delete("/", h.HandleSignOut)
	return r
}
