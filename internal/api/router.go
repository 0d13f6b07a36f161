/**
 * @description
 * This file sets up the HTTP router for the transaction-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack: request logging, panic recovery, CORS, metrics and, for the
 * /api/v1 tree, bearer-token authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 * - internal/metrics: the /metrics endpoint.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pixgate/transaction-service/internal/metrics"
)

// TransactionRoutes creates and returns a new router for the transaction service.
func TransactionRoutes(h *TransactionHandlers, auth AuthConfig, allowedOrigins string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(HTTPMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(allowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Processor callbacks authenticate with the body signature, not a bearer token.
	r.Post("/webhooks/deposit", h.DepositWebhookHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(auth))

		r.Post("/transactions", h.CreateTransactionHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Post("/transactions/{id}/reconcile", h.ReconcileTransactionHandler)
		r.Post("/transactions/{id}/cancel", h.CancelTransactionHandler)

		r.Get("/limits", h.GetLimitsHandler)

		r.Post("/webhooks", h.RegisterWebhookHandler)
		r.Get("/webhooks", h.ListWebhooksHandler)
		r.Patch("/webhooks/{id}", h.UpdateWebhookHandler)
		r.Delete("/webhooks/{id}", h.DeactivateWebhookHandler)
		r.Get("/webhooks/{id}/attempts", h.ListWebhookAttemptsHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Post("/expiry/sweep", h.RunExpirySweepHandler)
			r.Get("/expiry/stats", h.ExpiryStatsHandler)
			r.Get("/limits/{userID}", h.GetUserLimitsHandler)
			r.Put("/limits/{userID}", h.UpdateUserLimitsHandler)
			r.Get("/processor/balance", h.ProcessorBalanceHandler)
			r.Post("/webhooks/retry", h.RetryWebhooksHandler)
			r.Post("/webhooks/migrate-secrets", h.MigrateWebhookSecretsHandler)
		})
	})

	return r
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
