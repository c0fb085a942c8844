// Package reconcile owns the local transaction state machine. Redirects, webhooks and polls
// only wake it up; the outcome always comes from an authenticated pull of the gateway result.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mstgnz/paygate/infra/lock"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/validate"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
)

// ErrTriggerLimit is returned once a transaction has seen more triggers than allowed
var ErrTriggerLimit = errors.New("reconcile: trigger limit reached")

// tokens closer than this to expiry are not handed out again
const tokenReuseWindow = 5 * time.Minute

// Trigger sources
const (
	SourceRedirect = "redirect"
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceSweep    = "sweep"
)

// Gateway is the slice of the payment gateway the reconciler drives
type Gateway interface {
	Name() string
	ValidateCheckout(req *provider.CheckoutRequest) error
	InitiateCheckout(ctx context.Context, req *provider.CheckoutRequest) (*provider.CheckoutSession, error)
	RetrieveResult(ctx context.Context, token string) (*provider.CheckoutResult, error)
	VerifyWebhook(event provider.WebhookEvent) error
}

// Config bounds how long and how often a transaction is chased. Both fields are required.
type Config struct {
	ResultTimeout time.Duration
	MaxTriggers   int
}

// Option customises a Reconciler
type Option func(*Reconciler)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithAuditSink records security events such as forged webhooks
func WithAuditSink(sink provider.AuditSink) Option {
	return func(r *Reconciler) { r.audit = sink }
}

// Reconciler applies gateway outcomes to local transactions, one reference at a time
type Reconciler struct {
	gateway  Gateway
	store    storage.TransactionStore
	locker   lock.Locker
	notifier Notifier
	audit    provider.AuditSink
	cfg      Config
	now      func() time.Time
}

// New builds a Reconciler. A nil locker means an in-process keyed mutex.
func New(gateway Gateway, store storage.TransactionStore, locker lock.Locker, notifier Notifier, cfg Config, opts ...Option) (*Reconciler, error) {
	if gateway == nil || store == nil {
		return nil, errors.New("reconcile: gateway and store are required")
	}
	if cfg.ResultTimeout <= 0 {
		return nil, errors.New("reconcile: result timeout must be positive")
	}
	if cfg.MaxTriggers <= 0 {
		return nil, errors.New("reconcile: max triggers must be positive")
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}

	r := &Reconciler{
		gateway:  gateway,
		store:    store,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Begin records a new payment attempt and opens a hosted checkout for it.
// An ambiguous gateway outcome leaves the transaction in created and is returned as is.
func (r *Reconciler) Begin(ctx context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
	if req == nil {
		return nil, nil, provider.NewValidationError("", "checkout request is required")
	}
	if !validate.IsReference(req.LocalReference) {
		return nil, nil, provider.NewValidationError("localReference", "must be 1-64 characters of letters, digits or ._:/-")
	}
	if !req.Amount.IsPositive() {
		return nil, nil, provider.NewValidationError("amount", "must be positive")
	}
	// nothing is recorded for a request the gateway would refuse locally
	if err := r.gateway.ValidateCheckout(req); err != nil {
		return nil, nil, err
	}

	release, err := r.locker.Lock(ctx, req.LocalReference)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	now := r.now()
	tx, err := r.store.GetTransaction(ctx, req.LocalReference)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		tx = &provider.LocalTransaction{
			LocalReference: req.LocalReference,
			State:          provider.StateCreated,
			Amount:         req.Amount,
			Currency:       strings.ToUpper(req.Currency),
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		if err := r.store.CreateTransaction(ctx, tx); err != nil {
			return nil, nil, fmt.Errorf("create transaction: %w", err)
		}
	case err != nil:
		return nil, nil, err
	default:
		if session, ok := reusableSession(tx, req, now); ok {
			return tx, session, nil
		}
		if tx.State != provider.StateCreated {
			return tx, nil, provider.NewValidationError("localReference", "already used by a %s transaction", tx.State)
		}
		if !tx.Amount.Equal(req.Amount) || !strings.EqualFold(tx.Currency, req.Currency) {
			return tx, nil, provider.NewValidationError("amount", "differs from the earlier attempt for this reference")
		}
	}

	session, err := r.gateway.InitiateCheckout(ctx, req)
	if err != nil {
		if gwErr, ok := provider.AsGatewayError(err); ok {
			if settleErr := r.settle(ctx, tx, provider.StateFailed, gwErr.Code); settleErr != nil {
				return tx, nil, errors.Join(err, settleErr)
			}
			return tx, nil, err
		}
		if provider.IsAmbiguous(err) {
			logger.Error("checkout outcome unknown, manual reconciliation needed", err, logger.LogContext{
				Reference: tx.LocalReference,
				Provider:  r.gateway.Name(),
			})
		}
		return tx, nil, err
	}

	tx.RemoteToken = session.Token
	tx.PaymentPageURL = session.PaymentPageURL
	tx.TokenExpiresAt = session.TokenExpiresAt
	tx.State = provider.StatePending3DS
	tx.ExpiresAt = now.Add(r.cfg.ResultTimeout)
	tx.LastUpdatedAt = now
	if err := r.store.UpdateTransaction(ctx, tx); err != nil {
		return tx, nil, fmt.Errorf("persist checkout token: %w", err)
	}

	logger.Info("checkout started", logger.LogContext{
		Reference: tx.LocalReference,
		Provider:  r.gateway.Name(),
		Fields:    map[string]any{"expires_at": tx.ExpiresAt, "amount": tx.Amount.String(), "currency": tx.Currency},
	})
	return tx, session, nil
}

func reusableSession(tx *provider.LocalTransaction, req *provider.CheckoutRequest, now time.Time) (*provider.CheckoutSession, bool) {
	if tx.State != provider.StatePending3DS || tx.RemoteToken == "" {
		return nil, false
	}
	if tx.TokenExpiresAt.Sub(now) <= tokenReuseWindow {
		return nil, false
	}
	if !tx.Amount.Equal(req.Amount) || !strings.EqualFold(tx.Currency, req.Currency) {
		return nil, false
	}
	return &provider.CheckoutSession{
		Token:          tx.RemoteToken,
		PaymentPageURL: tx.PaymentPageURL,
		TokenExpiresAt: tx.TokenExpiresAt,
	}, true
}

// HandleRedirect reconciles the transaction a returning browser carries the token of
func (r *Reconciler) HandleRedirect(ctx context.Context, token string) (*provider.LocalTransaction, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, provider.NewValidationError("token", "is required")
	}

	tx, err := r.store.GetTransactionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return r.reconcile(ctx, tx.LocalReference, token, SourceRedirect)
}

// HandleWebhook verifies a gateway notification and uses it as a wake-up signal.
// An invalid signature is audited and returned without touching any state.
func (r *Reconciler) HandleWebhook(ctx context.Context, event provider.WebhookEvent) (*provider.LocalTransaction, error) {
	if err := r.VerifyWebhook(ctx, event); err != nil {
		return nil, err
	}
	if event.Token == "" {
		return nil, provider.NewValidationError("token", "is required")
	}

	tx, err := r.store.GetTransactionByToken(ctx, event.Token)
	if errors.Is(err, storage.ErrNotFound) && event.ConversationID != "" {
		tx, err = r.store.GetTransaction(ctx, event.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	return r.reconcile(ctx, tx.LocalReference, event.Token, SourceWebhook)
}

// VerifyWebhook checks the event signature and records a security event when it fails
func (r *Reconciler) VerifyWebhook(ctx context.Context, event provider.WebhookEvent) error {
	err := r.gateway.VerifyWebhook(event)
	if err == nil {
		return nil
	}

	details := map[string]any{
		"event_type": event.EventType,
		"payment_id": event.PaymentID,
		"status":     event.Status,
	}
	r.securityEvent(ctx, "webhook_signature_mismatch", event.ConversationID, SourceWebhook, details)
	logger.Error("webhook signature rejected", err, logger.LogContext{
		Reference: event.ConversationID,
		Provider:  r.gateway.Name(),
		Fields:    details,
	})
	return err
}

// Poll asks the gateway for the current outcome of reference
func (r *Reconciler) Poll(ctx context.Context, reference string) (*provider.LocalTransaction, error) {
	return r.reconcile(ctx, reference, "", SourcePoll)
}

// Get returns the stored transaction without contacting the gateway
func (r *Reconciler) Get(ctx context.Context, reference string) (*provider.LocalTransaction, error) {
	return r.store.GetTransaction(ctx, reference)
}

func (r *Reconciler) reconcile(ctx context.Context, reference, token, source string) (*provider.LocalTransaction, error) {
	release, err := r.locker.Lock(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := r.store.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	log := logger.WithContext(logger.LogContext{Reference: reference, Provider: r.gateway.Name()}).
		AddField("source", source)

	tx.AttemptsSeen++
	tx.LastUpdatedAt = r.now()

	if tx.State.Terminal() {
		log.AddField("state", string(tx.State)).Debug("duplicate trigger for settled transaction")
		return tx, r.save(ctx, tx)
	}

	if token != "" && tx.RemoteToken != "" && token != tx.RemoteToken {
		if err := r.save(ctx, tx); err != nil {
			return tx, err
		}
		log.Warn("trigger token does not match transaction")
		return tx, provider.NewValidationError("token", "does not belong to transaction %s", reference)
	}

	if tx.RemoteToken == "" {
		// checkout never got a token, nothing to retrieve
		return tx, r.save(ctx, tx)
	}

	if tx.AttemptsSeen > r.cfg.MaxTriggers {
		if err := r.save(ctx, tx); err != nil {
			return tx, err
		}
		log.AddField("attempts", tx.AttemptsSeen).Warn("trigger limit reached")
		return tx, ErrTriggerLimit
	}

	if tx.State == provider.StatePending3DS && source != SourcePoll {
		tx.State = provider.StateAwaitingResult
	}

	result, err := r.gateway.RetrieveResult(ctx, tx.RemoteToken)
	return r.apply(ctx, tx, result, err, source)
}

// apply maps a retrieve outcome onto tx and persists it. It must run under the reference lock.
func (r *Reconciler) apply(ctx context.Context, tx *provider.LocalTransaction, result *provider.CheckoutResult, retrieveErr error, source string) (*provider.LocalTransaction, error) {
	var sigErr *provider.SignatureError
	if errors.As(retrieveErr, &sigErr) && result != nil {
		r.securityEvent(ctx, "result_signature_mismatch", tx.LocalReference, source, map[string]any{
			"payment_id": result.PaymentID,
			"status":     result.RawStatus,
		})
		logger.Error("result signature mismatch, failing transaction", retrieveErr, logger.LogContext{
			Reference: tx.LocalReference,
			Provider:  r.gateway.Name(),
		})
		tx.RemotePaymentID = result.PaymentID
		if err := r.settle(ctx, tx, provider.StateFailed, provider.ReasonSignature); err != nil {
			return tx, errors.Join(retrieveErr, err)
		}
		return tx, retrieveErr
	}

	if retrieveErr != nil {
		// leave the state as it was so the next trigger resumes
		if err := r.save(ctx, tx); err != nil {
			return tx, errors.Join(retrieveErr, err)
		}
		logger.Warn("result retrieval failed", logger.LogContext{
			Reference: tx.LocalReference,
			Provider:  r.gateway.Name(),
			Fields:    map[string]any{"source": source, "error": retrieveErr.Error()},
		})
		return tx, retrieveErr
	}

	switch result.Status {
	case provider.ResultSuccess:
		tx.RemotePaymentID = result.PaymentID
		tx.PaidAmount = result.PaidAmount
		if !result.PaidAmount.Equal(tx.Amount) || !strings.EqualFold(result.Currency, tx.Currency) {
			logger.Error("paid amount does not match transaction", nil, logger.LogContext{
				Reference: tx.LocalReference,
				Provider:  r.gateway.Name(),
				Fields: map[string]any{
					"expected":          tx.Amount.String(),
					"paid":              result.PaidAmount.String(),
					"expected_currency": tx.Currency,
					"paid_currency":     result.Currency,
				},
			})
			return tx, r.settle(ctx, tx, provider.StateFailed, provider.ReasonAmountMismatch)
		}
		return tx, r.settle(ctx, tx, provider.StateSucceeded, "")

	case provider.ResultFailure:
		tx.RemotePaymentID = result.PaymentID
		reason := result.ErrorCode
		if reason == "" {
			reason = strings.ToLower(result.RawStatus)
		}
		if reason == "" {
			reason = "declined"
		}
		return tx, r.settle(ctx, tx, provider.StateFailed, reason)

	default:
		now := r.now()
		if !tx.ExpiresAt.IsZero() && now.After(tx.ExpiresAt) {
			if err := r.settle(ctx, tx, provider.StateExpired, provider.ReasonTimeout); err != nil {
				return tx, err
			}
			return tx, &provider.TimeoutExpiredError{Reference: tx.LocalReference, ExpiredAt: tx.ExpiresAt}
		}
		if result.Status == provider.ResultUnknown {
			logger.Warn("unknown payment status kept pending", logger.LogContext{
				Reference: tx.LocalReference,
				Provider:  r.gateway.Name(),
				Fields:    map[string]any{"raw_status": result.RawStatus},
			})
		}
		return tx, r.save(ctx, tx)
	}
}

// ExpireOverdue gives every overdue transaction one last authoritative retrieve and expires the
// ones still unresolved. Transactions whose retrieve fails are left for the next sweep.
func (r *Reconciler) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := r.store.ListOverdue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	settled := 0
	var errs []error
	for _, candidate := range overdue {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := r.expireOne(ctx, candidate.LocalReference, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", candidate.LocalReference, err))
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (r *Reconciler) expireOne(ctx context.Context, reference string, now time.Time) (bool, error) {
	release, err := r.locker.Lock(ctx, reference)
	if err != nil {
		return false, err
	}
	defer release()

	tx, err := r.store.GetTransaction(ctx, reference)
	if err != nil {
		return false, err
	}
	if tx.State.Terminal() || tx.ExpiresAt.IsZero() || !now.After(tx.ExpiresAt) {
		return false, nil
	}
	tx.LastUpdatedAt = r.now()

	if tx.RemoteToken != "" {
		result, retrieveErr := r.gateway.RetrieveResult(ctx, tx.RemoteToken)
		var sigErr *provider.SignatureError
		if retrieveErr != nil && !errors.As(retrieveErr, &sigErr) {
			logger.Warn("final retrieve before expiry failed, retrying next sweep", logger.LogContext{
				Reference: reference,
				Provider:  r.gateway.Name(),
				Fields:    map[string]any{"error": retrieveErr.Error()},
			})
			return false, nil
		}
		tx, err = r.apply(ctx, tx, result, retrieveErr, SourceSweep)
		var expired *provider.TimeoutExpiredError
		if err != nil && !errors.As(err, &expired) && !errors.As(err, &sigErr) {
			return false, err
		}
		if tx.State.Terminal() {
			return true, nil
		}
	}

	return true, r.settle(ctx, tx, provider.StateExpired, provider.ReasonTimeout)
}

// settle moves tx to a terminal state, persists it and then notifies exactly once
func (r *Reconciler) settle(ctx context.Context, tx *provider.LocalTransaction, state provider.TxState, reason string) error {
	if !tx.State.CanMoveTo(state) {
		return fmt.Errorf("reconcile: illegal transition %s -> %s for %s", tx.State, state, tx.LocalReference)
	}

	tx.State = state
	tx.FailureReason = reason
	tx.LastUpdatedAt = r.now()
	if err := r.save(ctx, tx); err != nil {
		return err
	}

	logger.Info("transaction settled", logger.LogContext{
		Reference: tx.LocalReference,
		Provider:  r.gateway.Name(),
		Fields:    map[string]any{"state": string(state), "reason": reason, "attempts": tx.AttemptsSeen},
	})

	if r.notifier != nil {
		if err := r.notifier.OnTransactionSettled(ctx, settlementOf(tx)); err != nil {
			logger.Error("settlement notification failed", err, logger.LogContext{Reference: tx.LocalReference})
		}
	}
	return nil
}

func (r *Reconciler) save(ctx context.Context, tx *provider.LocalTransaction) error {
	if err := r.store.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("persist transaction %s: %w", tx.LocalReference, err)
	}
	return nil
}

func (r *Reconciler) securityEvent(ctx context.Context, kind, reference, source string, details map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.RecordSecurityEvent(ctx, provider.SecurityEvent{
		Kind:      kind,
		Provider:  r.gateway.Name(),
		Reference: reference,
		Source:    source,
		Details:   details,
		Timestamp: r.now(),
	})
}
