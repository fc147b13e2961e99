/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for the rate limiter
  3. Log:        zap request log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters by route pattern
  6. CORS:       Cross-origin requests for the storefront

ROUTE GROUPS:
  /api/session/*        Register, login, guest, logout
  /api/catalog/*        Read-only title list
  /api/wallet/packages  Top-up packages
  /api/me/*             Profile, history, purchases, top-ups (bearer auth)
  /api/me/bonuses       Free credits (dev only)
  /api/dev/scenarios/*  Demo accounts (dev only)
  /healthz              Liveness and store health
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Auth, rate limit, request log
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	AllowedOrigins []string
	Limiter        *RateLimiter // nil disables rate limiting
	Dev            bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	// browsers refuse credentialed responses to a wildcard origin
	credentials := !slices.Contains(opts.AllowedOrigins, "*")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", idempotencyHeader},
		AllowCredentials: credentials,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		r.Route("/session", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/guest", h.GuestLogin)
			r.With(h.requireSession).Post("/logout", h.Logout)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/", h.ListCatalog)
			r.Get("/{id}", h.GetTitle)
		})

		r.Get("/wallet/packages", h.ListPackages)

		r.Route("/me", func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/", h.GetMe)
			r.Patch("/", h.UpdateMe)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/purchases", h.Purchase)
			r.Post("/topups", h.TopUp)
			if opts.Dev {
				r.Post("/bonuses", h.GrantBonus)
			}
		})

		if opts.Dev {
			r.Route("/dev/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
