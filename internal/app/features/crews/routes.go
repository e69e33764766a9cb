// internal/app/features/crews/routes.go
package crews

import (
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/go-chi/chi/v5"
)

// Routes returns the crew API, mounted under /api.
func Routes(h *Handler, sm *auth.SessionManager) chi.Router {
	r := chi.NewRouter()

	r.Group(func(pr chi.Router) {
		pr.Use(sm.RequireSignedIn)

		pr.Get("/crews", h.ServeMyCrews)
		pr.Post("/crews", h.HandleCreateCrew)

		pr.Route("/crews/{crewID}", func(cr chi.Router) {
			cr.Get("/", h.ServeCrew)
			cr.Patch("/", h.HandleUpdateCrew)

			// MEMBERS
			cr.Get("/members", h.ServeMembers)
			cr.Post("/members", h.HandleAddMember)
			cr.Delete("/members/{userID}", h.HandleRemoveMember)
			cr.Put("/members/{userID}/role", h.HandleChangeRole)
			cr.Put("/preferences", h.HandlePreferences)

			// INVITATIONS
			cr.Post("/invitations", h.HandleInvite)

			// ITEMS
			cr.Get("/items", h.ServeItems)
			cr.Post("/items", h.HandleCreateItem)
			cr.Delete("/items/{itemID}", h.HandleDeleteItem)
		})

		pr.Get("/invitations", h.ServeMyInvitations)
		pr.Post("/invitations/{invitationID}/accept", h.respond(true))
		pr.Post("/invitations/{invitationID}/decline", h.respond(false))
	})

	return r
}
