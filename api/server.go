/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the load balancer
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the member app

ROUTE GROUPS:
  /healthz              Liveness
  /api/hooks/*          Internal triggers, X-Internal-Key
  /api/rpc/*            Callable operations, bearer JWT
  /api/*                Reads and supplements, bearer JWT
  /api/admin/*          Admin operations, bearer JWT + admin role in policy

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token and internal key middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the security settings of the router.
type RouterOptions struct {
	Auth           *Authenticator
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", InternalKeyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Internal triggers
		r.Group(func(r chi.Router) {
			r.Use(RequireInternalKey(opts.InternalAPIKey))
			r.Post("/hooks/identity", h.IdentityCreated)
			r.Post("/hooks/forum-posts", h.ForumPostCreated)
		})

		// Authenticated callers
		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.RequireCaller)

			r.Route("/rpc", func(r chi.Router) {
				r.Post("/completeServiceRequest", h.CompleteServiceRequest)
				r.Post("/redeemReward", h.RedeemReward)
			})

			r.Get("/me", h.Me)
			r.Get("/me/transactions", h.MyTransactions)
			r.Get("/accounts/{id}/transactions", h.AccountTransactions)
			r.Get("/rewards", h.ListRewards)

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.SubmitServiceRequest)
				r.Get("/mine", h.MyServiceRequests)
				r.Get("/open", h.OpenServiceRequests)
				r.Post("/{id}/start", h.StartServiceRequest)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Put("/accounts/{id}/role", h.SetRole)
				r.Put("/accounts/{id}/tier", h.SetTier)
				r.Get("/accounts/{id}/verify", h.VerifyAccount)
				r.Post("/adjustments", h.CreateAdjustment)
				r.Put("/rewards/{id}", h.UpsertReward)
				if h.Auditor != nil {
					r.Get("/audit", h.LastAudit)
					r.Post("/audit", h.RunAudit)
				}
			})
		})
	})

	return r
}
