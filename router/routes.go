package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mstgnz/paygate/handler"
	"github.com/mstgnz/paygate/infra/middle"
	"github.com/mstgnz/paygate/infra/response"
	v1 "github.com/mstgnz/paygate/router/v1"
)

// Options wires the handlers and HTTP policies into the router
type Options struct {
	Payments  *handler.PaymentHandler
	Callbacks *handler.CallbackHandler
	Webhooks  *handler.WebhookHandler
	Health    *handler.HealthHandler

	// APIKey guards /v1. When empty every /v1 call is refused.
	APIKey         string
	RateLimiter    *middle.RateLimiter
	AllowedOrigins []string
}

// New builds the service router
func New(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middle.RequestLoggingMiddleware())
	r.Use(middle.PanicRecoveryMiddleware())
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(middle.SecurityHeadersMiddleware())
	if opts.RateLimiter != nil {
		r.Use(middle.RateLimitMiddleware(opts.RateLimiter))
	}
	r.Use(middle.RequestValidationMiddleware())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.CheckHealth)
	}

	// the gateway calls these, so no API key
	if opts.Callbacks != nil {
		r.HandleFunc("/callback/iyzico", opts.Callbacks.HandleCallback)
	}
	if opts.Webhooks != nil {
		r.Post("/webhooks/iyzico", opts.Webhooks.HandleWebhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middle.AuthMiddleware(opts.APIKey))
		v1.Routes(r, v1.Handlers{Payments: opts.Payments, Health: opts.Health})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "Not Found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
	})

	return r
}
