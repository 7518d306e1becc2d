/**
 * @description
 * This file sets up the HTTP router for the chama service. It defines the API
 * endpoints, associates them with their handlers, and applies the middleware for
 * authentication, per-user throttling and the provider webhook key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients of the chat gateway.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets and options the router needs.
type RouterConfig struct {
	JWTSecret      string
	WebhookAPIKey  string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the chama routes.
func NewRouter(h *Handlers, limiter RateLimiter, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.With(WebhookKeyMiddleware(cfg.WebhookAPIKey)).Post("/webhooks/mobile-money", h.PaymentWebhookHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))
		r.Use(RateLimitMiddleware(limiter, "api", h.logger))

		r.Get("/balances", h.BalancesHandler)
		r.Post("/pin", h.SetPinHandler)

		r.Post("/chamas", h.CreateChamaHandler)
		r.Post("/chamas/join", h.JoinChamaHandler)
		r.Get("/chamas", h.ListChamasHandler)
		r.Get("/chamas/{chamaID}", h.ChamaDetailsHandler)
		r.Post("/chamas/{chamaID}/contributions", h.ContributeHandler)
		r.Post("/chamas/{chamaID}/withdrawals", h.WithdrawHandler)
		r.Get("/chamas/{chamaID}/loans", h.ChamaLoansHandler)
		r.Post("/chamas/{chamaID}/loans", h.RequestLoanHandler)

		r.Post("/loans/{loanID}/votes", h.VoteHandler)
		r.Post("/loans/{loanID}/disburse", h.DisburseHandler)
		r.Post("/loans/{loanID}/repayments", h.RepayHandler)

		r.Post("/mobile-money/deposits", h.MobileMoneyDepositHandler)
		r.Post("/mobile-money/withdrawals", h.MobileMoneyWithdrawalHandler)

		r.Post("/conversations/start", h.StartConversationHandler)
		r.Post("/conversations/input", h.ConversationInputHandler)
	})

	return r
}
