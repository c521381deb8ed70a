package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Post("/", s.handleCreateSubscription)

			r.Route("/{requestor}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteSubscription)
				r.Put("/value", s.handleSetValue)
			})
		})

		r.Get("/variables", s.handleVariables)
		r.Get("/stats", s.handleStats)
	})

	return r
}
