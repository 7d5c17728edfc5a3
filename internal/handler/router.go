package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the API router.
func NewRouter(h *TableHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(logger))          // structured access log
	r.Use(CORS)                    // permissive CORS for demo

	// Health
	r.Get("/health", HealthCheck)

	r.Post("/periods/{period}/tables", h.GenerateTables)

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", h.ListTables)
		r.Get("/stream", h.StreamTables)
		r.Post("/expire", h.ExpireTables)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/stream", h.StreamTable)
			r.Post("/bookings", h.Book)
			r.Delete("/bookings/{userID}", h.Cancel)
			r.Post("/feedback", h.SubmitFeedback)
			r.Get("/feedback/{raterID}", h.FeedbackStatus)
		})
	})

	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/booking", h.ActiveBooking)
		r.Get("/booking/stream", h.StreamActiveBooking)
		r.Get("/negative-ratings", h.RatingSummary)
	})

	return r
}
