package v1

import (
	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/paygate/handler"
)

// Handlers are the handlers mounted under /v1
type Handlers struct {
	Payments *handler.PaymentHandler
	Health   *handler.HealthHandler
}

// Routes registers all API routes
func Routes(r chi.Router, h Handlers) {
	r.Post("/checkout", h.Payments.Checkout)

	r.Route("/transactions/{reference}", func(r chi.Router) {
		r.Get("/", h.Payments.GetTransaction)
		r.Post("/poll", h.Payments.PollTransaction)
		r.Post("/refunds", h.Payments.Refund)
		r.Get("/refunds", h.Payments.ListRefunds)
		r.Post("/cancel", h.Payments.Cancel)
	})

	r.Post("/installments", h.Payments.Installments)
	r.Get("/bin/{bin}", h.Payments.BinLookup)

	if h.Health != nil {
		r.Get("/gateway/ping", h.Health.GatewayPing)
	}
}
