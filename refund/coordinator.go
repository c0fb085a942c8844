// Package refund issues partial and full refunds against settled transactions.
// Every request carries an idempotency key; a replayed key returns the stored record.
package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mstgnz/paygate/infra/lock"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
	"github.com/shopspring/decimal"
)

// Gateway is the remote side of a refund or cancel
type Gateway interface {
	Name() string
	CreateRefund(ctx context.Context, call provider.RefundCall) (*provider.RefundRecord, error)
	CancelPayment(ctx context.Context, paymentID, idempotencyKey string) error
}

// Request asks for amount back on the payment behind LocalReference
type Request struct {
	LocalReference string          `json:"localReference"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
	IP             string          `json:"ip,omitempty"`
}

// CancelRequest voids the whole payment behind LocalReference. The gateway only accepts it on
// the day the payment was taken.
type CancelRequest struct {
	LocalReference string `json:"localReference"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Store is the persistence the coordinator needs
type Store interface {
	storage.TransactionStore
	storage.RefundStore
}

// Coordinator serialises refunds per transaction and keeps the refunded total under the paid amount
type Coordinator struct {
	gateway Gateway
	store   Store
	locker  lock.Locker
	now     func() time.Time
}

// New builds a Coordinator. The locker should be the one the reconciler uses.
func New(gateway Gateway, store Store, locker lock.Locker) *Coordinator {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Coordinator{gateway: gateway, store: store, locker: locker, now: time.Now}
}

// Refund issues req once. A remote rejection comes back as a failed record with a nil error.
// An ambiguous outcome leaves the record pending and returns it with the AmbiguousOutcomeError.
func (c *Coordinator) Refund(ctx context.Context, req Request) (*provider.RefundRecord, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := checkKeys(req.LocalReference, req.IdempotencyKey); err != nil {
		return nil, err
	}

	release, err := c.locker.Lock(ctx, req.LocalReference)
	if err != nil {
		return nil, err
	}
	defer release()

	if existing, err := c.store.GetRefund(ctx, req.IdempotencyKey); err == nil {
		return replay(existing, req)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load refund: %w", err)
	}

	if !req.Amount.IsPositive() {
		return nil, provider.NewValidationError("amount", "must be positive")
	}

	tx, err := c.store.GetTransaction(ctx, req.LocalReference)
	if err != nil {
		return nil, err
	}
	if err := checkSettled(tx); err != nil {
		return nil, err
	}

	committed := committedAmount(tx.Refunds)
	remaining := tx.PaidAmount.Sub(committed)
	if req.Amount.GreaterThan(remaining) {
		return nil, provider.NewValidationError("amount", "%s exceeds refundable balance %s", req.Amount.String(), remaining.String())
	}

	now := c.now()
	record := &provider.RefundRecord{
		LocalReference:  tx.LocalReference,
		RequestedAmount: req.Amount,
		Currency:        tx.Currency,
		Status:          provider.RefundPending,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateRefund(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refund: %w", err)
	}

	log := logger.WithContext(logger.LogContext{
		Reference: tx.LocalReference,
		Provider:  c.gateway.Name(),
		Fields:    map[string]any{"idempotency_key": req.IdempotencyKey, "amount": req.Amount.String()},
	})

	remote, err := c.gateway.CreateRefund(ctx, provider.RefundCall{
		LocalReference: tx.LocalReference,
		PaymentID:      tx.RemotePaymentID,
		Amount:         req.Amount,
		Currency:       tx.Currency,
		IdempotencyKey: req.IdempotencyKey,
		IP:             req.IP,
	})
	if err != nil {
		return c.callFailed(ctx, record, err, log)
	}

	record.Status = remote.Status
	record.RemoteRefundID = remote.RemoteRefundID
	record.Message = remote.Message
	record.ErrorCode = remote.ErrorCode
	record.UpdatedAt = c.now()
	if err := c.store.UpdateRefund(ctx, record); err != nil {
		return record, fmt.Errorf("persist refund outcome: %w", err)
	}

	if record.Status == provider.RefundSucceeded {
		log.AddField("remote_refund_id", record.RemoteRefundID).Info("refund succeeded")
	} else {
		log.AddField("error_code", record.ErrorCode).Warn("refund rejected by gateway")
	}
	return record, nil
}

// Cancel voids the payment behind req.LocalReference in full and records it as a refund of the
// paid amount under req.IdempotencyKey. Errors follow Refund.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (*provider.RefundRecord, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := checkKeys(req.LocalReference, req.IdempotencyKey); err != nil {
		return nil, err
	}

	release, err := c.locker.Lock(ctx, req.LocalReference)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := c.store.GetTransaction(ctx, req.LocalReference)
	if err != nil {
		return nil, err
	}

	if existing, err := c.store.GetRefund(ctx, req.IdempotencyKey); err == nil {
		return replay(existing, Request{LocalReference: req.LocalReference, Amount: tx.PaidAmount})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load refund: %w", err)
	}

	if err := checkSettled(tx); err != nil {
		return nil, err
	}
	if committed := committedAmount(tx.Refunds); !committed.IsZero() {
		return nil, provider.NewValidationError("localReference", "%s already refunded, only untouched payments can be cancelled", committed.String())
	}

	now := c.now()
	record := &provider.RefundRecord{
		LocalReference:  tx.LocalReference,
		RequestedAmount: tx.PaidAmount,
		Currency:        tx.Currency,
		Status:          provider.RefundPending,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateRefund(ctx, record); err != nil {
		return nil, fmt.Errorf("persist cancel: %w", err)
	}

	log := logger.WithContext(logger.LogContext{
		Reference: tx.LocalReference,
		Provider:  c.gateway.Name(),
		Fields:    map[string]any{"idempotency_key": req.IdempotencyKey, "operation": "cancel"},
	})

	if err := c.gateway.CancelPayment(ctx, tx.RemotePaymentID, req.IdempotencyKey); err != nil {
		return c.callFailed(ctx, record, err, log)
	}

	record.Status = provider.RefundSucceeded
	record.RemoteRefundID = tx.RemotePaymentID
	record.Message = "Payment cancelled"
	record.UpdatedAt = c.now()
	if err := c.store.UpdateRefund(ctx, record); err != nil {
		return record, fmt.Errorf("persist cancel outcome: %w", err)
	}
	log.Info("payment cancelled")
	return record, nil
}

// callFailed settles record after the gateway call returned err. Ambiguous outcomes stay
// pending; a gateway rejection or an unsent request releases the reserved amount.
func (c *Coordinator) callFailed(ctx context.Context, record *provider.RefundRecord, err error, log *logger.ContextLogger) (*provider.RefundRecord, error) {
	if provider.IsAmbiguous(err) {
		log.Error("refund outcome unknown, left pending for manual reconciliation", err)
		return record, err
	}

	record.Status = provider.RefundFailed
	record.Message = err.Error()
	record.UpdatedAt = c.now()

	var returned error
	if gwErr, ok := provider.AsGatewayError(err); ok {
		record.ErrorCode = gwErr.Code
		record.Message = gwErr.Message
		log.AddField("error_code", gwErr.Code).Warn("refund rejected by gateway")
	} else if provider.IsValidation(err) {
		returned = err
	} else {
		log.Warn("refund could not be sent")
	}

	if uerr := c.store.UpdateRefund(ctx, record); uerr != nil {
		return record, errors.Join(err, uerr)
	}
	return record, returned
}

// List returns the refunds recorded for reference, oldest first
func (c *Coordinator) List(ctx context.Context, reference string) ([]provider.RefundRecord, error) {
	if _, err := c.store.GetTransaction(ctx, reference); err != nil {
		return nil, err
	}
	return c.store.ListRefunds(ctx, reference)
}

func checkKeys(reference, key string) error {
	if key == "" {
		return provider.NewValidationError("idempotencyKey", "is required")
	}
	if len(key) > 64 {
		return provider.NewValidationError("idempotencyKey", "must be at most 64 characters")
	}
	if reference == "" {
		return provider.NewValidationError("localReference", "is required")
	}
	return nil
}

func checkSettled(tx *provider.LocalTransaction) error {
	if tx.State != provider.StateSucceeded {
		return provider.NewValidationError("localReference", "transaction is %s, only settled payments can be refunded", tx.State)
	}
	if tx.RemotePaymentID == "" {
		return provider.NewValidationError("localReference", "transaction has no remote payment id")
	}
	return nil
}

func replay(existing *provider.RefundRecord, req Request) (*provider.RefundRecord, error) {
	if existing.LocalReference != req.LocalReference {
		return nil, provider.NewValidationError("idempotencyKey", "already used for another transaction")
	}
	if !existing.RequestedAmount.Equal(req.Amount) {
		return nil, provider.NewValidationError("idempotencyKey", "already used with amount %s", existing.RequestedAmount.String())
	}
	return existing, nil
}

// committedAmount is what is already refunded or may still be
func committedAmount(refunds []provider.RefundRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		if r.Status == provider.RefundSucceeded || r.Status == provider.RefundPending {
			total = total.Add(r.RequestedAmount)
		}
	}
	return total
}
