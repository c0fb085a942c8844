// Package handler provides the HTTP handlers of the paygate service.
//
// The handlers bridge the HTTP layer with the reconciler, the refund coordinator and the
// installment resolver. They never decide a payment outcome themselves: every state change
// goes through the reconciler, which pulls the authoritative result from the gateway.
//
// # Handlers
//
//   - PaymentHandler: checkout, transaction lookup and poll, refunds, installments, BIN lookup
//   - CallbackHandler: the browser redirect iyzico sends after 3-D Secure
//   - WebhookHandler: iyzico notifications, verified inline and applied on a worker pool
//   - HealthHandler: dependency checks and a gateway connectivity probe
//
// # Routes
//
//	r.Post("/v1/checkout", payments.Checkout)
//	r.Get("/v1/transactions/{reference}", payments.GetTransaction)
//	r.Post("/v1/transactions/{reference}/poll", payments.PollTransaction)
//	r.Post("/v1/transactions/{reference}/refunds", payments.Refund)
//	r.Get("/v1/transactions/{reference}/refunds", payments.ListRefunds)
//	r.Post("/v1/installments", payments.Installments)
//	r.Get("/v1/bin/{bin}", payments.BinLookup)
//	r.HandleFunc("/callback/iyzico", callbacks.HandleCallback)
//	r.Post("/webhooks/iyzico", webhooks.HandleWebhook)
//
// # Errors
//
// Failures are written through response.Failure, which maps the error taxonomy of the
// provider package to HTTP status codes. Server side failures never echo the error text.
//
// # Webhooks
//
// A webhook is answered as soon as its signature is verified and the event is queued.
// Duplicate deliveries are dropped by a dedup.Deduper. If the queue is full the handler
// answers 503 so the gateway retries later.
package handler
