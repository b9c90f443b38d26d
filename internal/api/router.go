/**
 * @description
 * This file sets up the HTTP router for the group service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the standard middleware stack plus the optional session authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GroupRoutes creates and returns the router for the group service.
func GroupRoutes(h *GroupHandlers, sessionSecret string) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(sessionSecret))

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroupsHandler)
			r.Post("/", h.CreateGroupHandler)

			// The literal segment must be registered before /{id} so a join
			// request never resolves as a group lookup.
			r.Get("/join", h.JoinGroupHandler)
			r.Get("/invite/{code}", h.InvitePreviewHandler)

			r.Get("/{id}", h.GetGroupHandler)
			r.Put("/{id}/update", h.UpdateGroupHandler)
			r.Delete("/{id}/delete", h.DeleteGroupHandler)
			r.Get("/{id}/contributions", h.ContributionsHandler)
			r.Post("/{id}/contribute", h.ContributeHandler)
			r.Post("/{id}/vote", h.VoteHandler)
			r.Post("/{id}/emergency-withdrawal", h.EmergencyWithdrawalHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/groups", h.AdminListGroupsHandler)
			r.Post("/reconcile", h.AdminReconcileHandler)
		})
	})

	return r
}
