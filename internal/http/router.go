package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/rental-reservations/internal/observability"
)

func SetupRouter(h *Handlers, logger observability.Logger, verifier *ActorVerifier, rl Limiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl, logger))
		r.Get("/v1/resources/{id}/availability", h.Availability)
		r.Post("/v1/previews", h.Preview)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireActor(verifier, logger))
		r.Use(RateLimitMiddleware(rl, logger))
		r.Use(IdempotencyKeyMiddleware(logger))

		r.Post("/v1/holds", h.CreateHold)
		r.Delete("/v1/holds/{handleID}", h.AbandonHold)

		r.Post("/v1/reservations", h.CreateReservation)
		r.Get("/v1/reservations", h.ListReservations)
		r.Get("/v1/reservations/{id}", h.GetReservation)
		r.Post("/v1/reservations/{id}/accept", h.Accept)
		r.Post("/v1/reservations/{id}/decline", h.Decline)
		r.Post("/v1/reservations/{id}/cancel", h.Cancel)
		r.Post("/v1/reservations/{id}/checkin", h.CheckIn)
		r.Post("/v1/reservations/{id}/checkout", h.CheckOut)
	})

	return r
}
