/**
 * @description
 * HTTP router for the raffle service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets and origins the router needs.
type RouterConfig struct {
	JWTSecret      string
	JWTIssuer      string
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the raffle routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider redirects and callbacks carry no credentials; every result is
	// re-confirmed with the provider before it is applied.
	r.Get("/payments/callback", h.handlePaymentCallback)
	r.Post("/payments/callback", h.handlePaymentCallback)

	r.Route("/internal", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/reconcile", h.handleReconcile)
		r.Post("/orders/expire", h.handleExpireReservations)
		r.Post("/orders/{orderID}/review", h.handleReviewManualPayment)
		r.Post("/orders/{orderID}/release", h.handleReleaseOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(BuyerAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))
		r.Post("/raffles/{raffleID}/orders", h.handleReserve)
		r.Get("/orders/{orderID}", h.handleGetOrder)
		r.Post("/orders/{orderID}/cancel", h.handleCancelOrder)
		r.Post("/orders/{orderID}/card-payment", h.handleCardPayment)
		r.Post("/orders/{orderID}/manual-payment", h.handleManualPayment)
	})

	return r
}
