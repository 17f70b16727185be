package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const EnqueuePath = "/api/enviar-correo"

// NewRouter mounts the intake routes. Only /healthz is reachable without
// the bearer token.
func NewRouter(h *Handler, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post(EnqueuePath, h.Enqueue)
	})

	return r
}
