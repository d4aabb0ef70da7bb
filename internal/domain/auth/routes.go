package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the user router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	// Public: anonymous sign-up
	r.Post("/", h.Register)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/me", h.Me)
	})

	return r
}
