package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, metricsHandler http.Handler, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health and metrics endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		r.Route("/bridge", func(r chi.Router) {
			r.Post("/reserve", h.ReserveDeposit)
			r.Get("/jobs/{jobID}", h.GetBridgeJob)
			r.Post("/jobs/{jobID}/payment", h.NotifyJobPayment)
			r.Post("/jobs/{jobID}/cancel", h.CancelBridgeJob)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/{address}/positions", h.GetUserPositions)
			r.Get("/{address}/activity", h.GetUserActivity)
			r.Get("/{address}/withdrawals", h.ListUserWithdrawals)
			r.Post("/{address}/withdrawals", h.CreateUserWithdrawal)
			r.Post("/{address}/withdrawals/{withdrawalID}/dismiss", h.DismissUserWithdrawal)
		})

		r.Get("/prices/{asset}", h.GetAssetPrice)

		// Live updates
		r.Get("/ws", h.HandleWebSocket)
	})

	return r
}
