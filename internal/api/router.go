package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/dispatch"
)

// NewRouter creates the local admin/inspection HTTP router.
func NewRouter(dispatcher *dispatch.Dispatcher, deadLetters *deadletter.Service) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	queueHandler := NewQueueHandler(dispatcher)
	dlqHandler := NewDeadLetterHandler(deadLetters)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/queue", func(r chi.Router) {
			r.Get("/health", queueHandler.Health)
			r.Get("/partitions", queueHandler.Partitions)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/stats", dlqHandler.Stats)
			r.Post("/{id}", dlqHandler.ManualDeadLetter)
			r.Post("/{id}/restore", dlqHandler.Restore)
			r.Post("/restore", dlqHandler.RestoreMany)
			r.Delete("/", dlqHandler.Cleanup)
		})
	})

	return r
}
