package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mstgnz/paygate/infra/dedup"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/response"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/provider/iyzico"
)

var errQueueClosed = errors.New("webhook queue closed")

// WebhookService verifies and applies gateway notifications
type WebhookService interface {
	VerifyWebhook(ctx context.Context, event provider.WebhookEvent) error
	HandleWebhook(ctx context.Context, event provider.WebhookEvent) (*provider.LocalTransaction, error)
}

// WebhookOptions sizes the worker pool
type WebhookOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds the processing of one event
	Timeout time.Duration
}

// WebhookHandler verifies notifications inline, answers right away and applies them on a
// bounded pool of workers
type WebhookHandler struct {
	service WebhookService
	dedup   dedup.Deduper
	queue   chan provider.WebhookEvent
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookHandler creates the handler. Call Start before serving and Shutdown on exit.
func NewWebhookHandler(service WebhookService, deduper dedup.Deduper, opts WebhookOptions) *WebhookHandler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &WebhookHandler{
		service: service,
		dedup:   deduper,
		queue:   make(chan provider.WebhookEvent, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.Timeout,
	}
}

// Start launches the workers
func (h *WebhookHandler) Start() {
	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.work()
	}
}

// Shutdown stops accepting events and waits for queued ones to finish or ctx to expire
func (h *WebhookHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWebhook accepts an iyzico notification
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := decodeWebhook(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}
	event.Signature = r.Header.Get(iyzico.SignatureHeader)

	if err := h.service.VerifyWebhook(r.Context(), event); err != nil {
		response.Error(w, http.StatusUnauthorized, "Invalid webhook signature", nil)
		return
	}

	if !iyzico.IsPaymentEvent(event.EventType) {
		logger.Info("ignoring non-payment webhook", logger.LogContext{
			Reference: event.ConversationID,
			Fields:    map[string]any{"event_type": event.EventType},
		})
		response.Success(w, http.StatusOK, "Webhook ignored", nil)
		return
	}

	if h.dedup != nil {
		seen, err := h.dedup.Seen(r.Context(), deliveryKey(event))
		if err != nil {
			logger.Warn("webhook dedup unavailable, processing anyway", logger.LogContext{
				Fields: map[string]any{"error": err.Error()},
			})
		} else if seen {
			response.Success(w, http.StatusOK, "Webhook already received", nil)
			return
		}
	}

	if err := h.enqueue(event); err != nil {
		logger.Error("webhook queue full", err, logger.LogContext{Reference: event.ConversationID})
		response.Error(w, http.StatusServiceUnavailable, "Webhook queue full, retry later", nil)
		return
	}

	response.Success(w, http.StatusOK, "Webhook received and processing", map[string]string{
		"status": "accepted",
		"token":  event.Token,
	})
}

func (h *WebhookHandler) enqueue(event provider.WebhookEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return errQueueClosed
	}
	select {
	case h.queue <- event:
		return nil
	default:
		return errors.New("webhook queue is full")
	}
}

func (h *WebhookHandler) work() {
	defer h.wg.Done()
	for event := range h.queue {
		h.process(event)
	}
}

func (h *WebhookHandler) process(event provider.WebhookEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	tx, err := h.service.HandleWebhook(ctx, event)
	if err != nil {
		logger.Warn("webhook processing failed", logger.LogContext{
			Reference: event.ConversationID,
			Fields:    map[string]any{"error": err.Error(), "event_type": event.EventType},
		})
		return
	}
	logger.Info("webhook processed", logger.LogContext{
		Reference: tx.LocalReference,
		Fields:    map[string]any{"state": string(tx.State), "event_type": event.EventType},
	})
}

func decodeWebhook(r *http.Request) (provider.WebhookEvent, error) {
	var event provider.WebhookEvent

	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return event, err
		}
		event.EventType = r.Form.Get("iyziEventType")
		event.PaymentID = r.Form.Get("iyziPaymentId")
		event.Token = r.Form.Get("token")
		event.ConversationID = r.Form.Get("paymentConversationId")
		event.Status = r.Form.Get("status")
		return event, nil
	}

	var payload webhookPayload
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return event, err
	}
	event.EventType = payload.EventType
	event.PaymentID = scalarString(payload.PaymentID)
	event.Token = payload.Token
	event.ConversationID = payload.ConversationID
	event.Status = payload.Status
	return event, nil
}

// webhookPayload accepts iyziPaymentId as either a JSON number or a string
type webhookPayload struct {
	EventType      string `json:"iyziEventType"`
	PaymentID      any    `json:"iyziPaymentId"`
	Token          string `json:"token"`
	ConversationID string `json:"paymentConversationId"`
	Status         string `json:"status"`
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func deliveryKey(e provider.WebhookEvent) string {
	return strings.Join([]string{e.EventType, e.PaymentID, e.Token, e.Status}, "|")
}
