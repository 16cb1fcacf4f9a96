package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/xenoISA/isA-user-sub009/internal/api/middleware"
)

func NewRouter(h *Handlers, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Idempotent usage ingest: clients retry with the same Idempotency-Key
	// without double-recording.
	r.With(middleware.Idempotency(redisClient)).Post("/usage", h.RecordUsage)

	r.Get("/usage/{userID}", h.GetUsage)
	r.Get("/usage/records/{recordID}/trail", h.GetUsageTrail)

	r.With(middleware.Idempotency(redisClient)).Post("/wallets/{userID}/credits", h.CreditWallet)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
