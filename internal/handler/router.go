package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter builds the HTTP router with the global middleware stack.
func NewRouter(h *Handler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(log))             // structured access log
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Post("/{id}/registrations", h.Register)
		r.Get("/{id}/registrations", h.ListRegistrations)
	})

	r.Route("/registrations/{id}", func(r chi.Router) {
		r.Get("/", h.GetRegistration)
		r.Delete("/", h.CancelRegistration)
		r.Post("/withdraw", h.Withdraw)
		r.Put("/guest-slots", h.SetGuestSlots)
		r.Post("/guests", h.AddGuest)
		r.Get("/guests", h.ListGuests)
		r.Post("/payment", h.RetryPayment)
	})

	r.Route("/guests/{id}", func(r chi.Router) {
		r.Delete("/", h.CancelGuest)
		r.Post("/payment", h.RetryGuestPayment)
	})

	r.Post("/payments/notifications", h.PaymentNotification)

	return r
}
