// Package paygate connects a merchant backend to the iyzico hosted checkout and keeps a
// local, authoritative record of every payment attempt.
//
// # Overview
//
// The browser redirect and the gateway webhook are only signals. Whichever arrives first
// wakes the reconciler, which pulls the signed result from iyzico, verifies it and moves
// the local transaction forward. Nothing the buyer's browser or the webhook body claims is
// trusted on its own.
//
// # Architecture
//
//	┌─────────────────┐    ┌──────────────────────────┐    ┌─────────────────┐
//	│                 │    │  paygate                 │    │                 │
//	│  Merchant app   │◄──►│  reconcile / refund /    │◄──►│     iyzico      │
//	│                 │    │  installment             │    │                 │
//	└─────────────────┘    └────────────┬─────────────┘    └─────────────────┘
//	                                    │
//	                       memory / sqlite / postgres store
//	                       redis locks, kafka settlements
//
// A transaction moves through these states and never backwards:
//
//	created ──► pending_3ds ──► awaiting_result ──► done_success
//	                                           ├──► done_failed
//	                                           └──► expired
//
// # Quick Start
//
//	import (
//	    "github.com/mstgnz/paygate/provider"
//	    _ "github.com/mstgnz/paygate/provider/iyzico" // registers the gateway
//	)
//
//	gw, err := provider.NewGateway("iyzico", provider.Credential{
//	    APIKey:    os.Getenv("IYZICO_API_KEY"),
//	    SecretKey: os.Getenv("IYZICO_SECRET_KEY"),
//	    Mode:      provider.ModeSandbox,
//	}, provider.Settings{CallbackURL: "https://shop.example.com/callback/iyzico"})
//
//	rec, err := reconcile.New(gw, storage.NewMemoryStore(), lock.NewKeyedMutex(),
//	    notify.LogNotifier{}, reconcile.Config{ResultTimeout: 15 * time.Minute, MaxTriggers: 10})
//
//	tx, session, err := rec.Begin(ctx, &provider.CheckoutRequest{...})
//	// send the buyer to session.PaymentPageURL
//
// The app package does all of this wiring from environment variables; cmd/ runs it as an
// HTTP service and cmd/paygatectl exposes the same operations on the command line.
//
// # HTTP API
//
//	POST /v1/checkout                              open a hosted checkout
//	GET  /v1/transactions/{reference}              read the local record
//	POST /v1/transactions/{reference}/poll         pull the result now
//	POST /v1/transactions/{reference}/refunds      refund (Idempotency-Key header required)
//	GET  /v1/transactions/{reference}/refunds      list refunds
//	POST /v1/installments                          price installment plans
//	GET  /v1/bin/{bin}                             issuer lookup
//	GET  /v1/gateway/ping                          credential check
//
//	GET|POST /callback/iyzico                      browser return from the hosted page
//	POST     /webhooks/iyzico                      gateway notification
//	GET      /health
//
// Every /v1 call needs "Authorization: Bearer <API_KEY>".
//
// # Configuration
//
//	IYZICO_MODE=sandbox            # or live; live refuses to start without both keys
//	IYZICO_API_KEY=...
//	IYZICO_SECRET_KEY=...
//	RESULT_TIMEOUT=15m
//	MAX_TRIGGERS=10
//	STORAGE_DRIVER=sqlite          # memory, sqlite or postgres
//	REDIS_ADDR=localhost:6379      # optional, shares locks and webhook dedup across replicas
//	KAFKA_BROKERS=localhost:9092   # optional, publishes settlements
//
// See infra/config for the full list.
package paygate
