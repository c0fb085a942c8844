package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstgnz/paygate/infra/lock"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu         sync.Mutex
	session    *provider.CheckoutSession
	initErr    error
	result     *provider.CheckoutResult
	resultErr  error
	webhookErr error
	validate   func(req *provider.CheckoutRequest) error
	inits      int
	retrieves  atomic.Int32
	delay      time.Duration
}

func (g *fakeGateway) Name() string { return "iyzico" }

func (g *fakeGateway) ValidateCheckout(req *provider.CheckoutRequest) error {
	if g.validate == nil {
		return nil
	}
	return g.validate(req)
}

func (g *fakeGateway) InitiateCheckout(_ context.Context, req *provider.CheckoutRequest) (*provider.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inits++
	if g.initErr != nil {
		return nil, g.initErr
	}
	s := *g.session
	return &s, nil
}

func (g *fakeGateway) RetrieveResult(_ context.Context, token string) (*provider.CheckoutResult, error) {
	g.retrieves.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.result == nil {
		return nil, g.resultErr
	}
	r := *g.result
	r.RemoteToken = token
	return &r, g.resultErr
}

func (g *fakeGateway) VerifyWebhook(provider.WebhookEvent) error {
	return g.webhookErr
}

func (g *fakeGateway) setResult(r *provider.CheckoutResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = r
	g.resultErr = err
}

type recordingNotifier struct {
	mu          sync.Mutex
	settlements []Settlement
}

func (n *recordingNotifier) OnTransactionSettled(_ context.Context, s Settlement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settlements = append(n.settlements, s)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.settlements)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []provider.SecurityEvent
}

func (a *recordingAudit) RecordExchange(context.Context, provider.ExchangeLog) {}

func (a *recordingAudit) RecordSecurityEvent(_ context.Context, e provider.SecurityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gateway  *fakeGateway
	store    *storage.MemoryStore
	notifier *recordingNotifier
	audit    *recordingAudit
	clock    *clock
	r        *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gateway: &fakeGateway{session: &provider.CheckoutSession{
			Token:          "tok-123",
			PaymentPageURL: "https://sandbox-cpp.iyzipay.com?token=tok-123",
			TokenExpiresAt: baseTime.Add(30 * time.Minute),
		}},
		store:    storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		clock:    &clock{now: baseTime},
	}
	r, err := New(f.gateway, f.store, lock.NewKeyedMutex(), f.notifier,
		Config{ResultTimeout: 15 * time.Minute, MaxTriggers: 10},
		WithClock(f.clock.Now), WithAuditSink(f.audit))
	require.NoError(t, err)
	f.r = r
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func checkoutRequest(reference, amount string) *provider.CheckoutRequest {
	return &provider.CheckoutRequest{
		LocalReference: reference,
		Amount:         dec(amount),
		Currency:       "TRY",
		BasketItems: []provider.BasketItem{
			{ID: "B1", Name: "Book", ItemType: provider.ItemPhysical, Price: dec(amount)},
		},
	}
}

func successResult(amount string) *provider.CheckoutResult {
	return &provider.CheckoutResult{
		Status:     provider.ResultSuccess,
		RawStatus:  "SUCCESS",
		PaymentID:  "pay-1",
		PaidAmount: dec(amount),
		Price:      dec(amount),
		Currency:   "TRY",
	}
}

func TestNew_RequiresBounds(t *testing.T) {
	gw := &fakeGateway{}
	store := storage.NewMemoryStore()

	_, err := New(gw, store, nil, nil, Config{MaxTriggers: 3})
	assert.Error(t, err)

	_, err = New(gw, store, nil, nil, Config{ResultTimeout: time.Minute})
	assert.Error(t, err)

	_, err = New(nil, store, nil, nil, Config{ResultTimeout: time.Minute, MaxTriggers: 3})
	assert.Error(t, err)

	r, err := New(gw, store, nil, nil, Config{ResultTimeout: time.Minute, MaxTriggers: 3})
	require.NoError(t, err)
	assert.NotNil(t, r.locker)
}

func TestBegin_CreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)

	tx, session, err := f.r.Begin(context.Background(), checkoutRequest("R1", "150.00"))
	require.NoError(t, err)

	assert.Equal(t, "tok-123", session.Token)
	assert.Equal(t, provider.StatePending3DS, tx.State)
	assert.Equal(t, "tok-123", tx.RemoteToken)
	assert.Equal(t, baseTime.Add(15*time.Minute), tx.ExpiresAt)

	stored, err := f.store.GetTransaction(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StatePending3DS, stored.State)
	assert.True(t, stored.Amount.Equal(dec("150")))
}

func TestBegin_Validation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.r.Begin(context.Background(), checkoutRequest("", "10"))
	assert.True(t, provider.IsValidation(err))

	_, _, err = f.r.Begin(context.Background(), checkoutRequest("R1", "0"))
	assert.True(t, provider.IsValidation(err))

	_, _, err = f.r.Begin(context.Background(), nil)
	assert.True(t, provider.IsValidation(err))
	assert.Zero(t, f.gateway.inits)
}

func TestBegin_GatewayValidationLeavesNoTransaction(t *testing.T) {
	f := newFixture(t)
	f.gateway.validate = func(req *provider.CheckoutRequest) error {
		if req.Currency != "TRY" {
			return provider.NewValidationError("currency", "%q is not supported", req.Currency)
		}
		return nil
	}
	ctx := context.Background()

	bad := checkoutRequest("R1", "150.00")
	bad.Currency = "XYZ"
	_, _, err := f.r.Begin(ctx, bad)
	require.True(t, provider.IsValidation(err), "got %v", err)
	assert.Zero(t, f.gateway.inits)

	_, err = f.store.GetTransaction(ctx, "R1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tx, session, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", session.Token)
	assert.Equal(t, provider.StatePending3DS, tx.State)
	assert.Equal(t, "TRY", tx.Currency)
}

func TestBegin_ReusesLiveToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, first, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, second, err := f.r.Begin(ctx, checkoutRequest("R1", "150"))
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, 1, f.gateway.inits)

	// token about to expire is not handed out again
	f.clock.Advance(21 * time.Minute)
	_, _, err = f.r.Begin(ctx, checkoutRequest("R1", "150"))
	assert.True(t, provider.IsValidation(err))
	assert.Equal(t, 1, f.gateway.inits)
}

func TestBegin_RejectsSettledReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), nil)
	_, err = f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)

	_, _, err = f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	assert.True(t, provider.IsValidation(err))
}

func TestBegin_GatewayRejectionFailsTransaction(t *testing.T) {
	f := newFixture(t)
	f.gateway.initErr = &provider.GatewayError{Code: "10051", Message: "insufficient funds"}

	tx, _, err := f.r.Begin(context.Background(), checkoutRequest("R1", "150.00"))
	_, ok := provider.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, provider.StateFailed, tx.State)
	assert.Equal(t, "10051", tx.FailureReason)
	assert.Equal(t, 1, f.notifier.count())
}

func TestBegin_AmbiguousKeepsCreated(t *testing.T) {
	f := newFixture(t)
	f.gateway.initErr = &provider.AmbiguousOutcomeError{Operation: "checkout", Reference: "R1", Err: errors.New("read timeout")}

	tx, _, err := f.r.Begin(context.Background(), checkoutRequest("R1", "150.00"))
	assert.True(t, provider.IsAmbiguous(err))
	assert.Equal(t, provider.StateCreated, tx.State)
	assert.Zero(t, f.notifier.count())

	// a retry with the same reference opens a fresh checkout
	f.gateway.initErr = nil
	tx, session, err := f.r.Begin(context.Background(), checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", session.Token)
	assert.Equal(t, provider.StatePending3DS, tx.State)
	assert.Equal(t, 2, f.gateway.inits)
}

// happy path: redirect arrives, result is pulled, duplicates are no-ops
func TestReconcile_HappyPathIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), nil)

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, tx.State)
	assert.Equal(t, "pay-1", tx.RemotePaymentID)
	assert.True(t, tx.PaidAmount.Equal(dec("150")))

	tx, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{Token: "tok-123", ConversationID: "R1", Status: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, tx.State)

	tx, err = f.r.Poll(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, tx.State)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, int32(1), f.gateway.retrieves.Load())
	assert.Equal(t, 3, tx.AttemptsSeen)
}

func TestReconcile_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("149.99"), nil)

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, provider.StateFailed, tx.State)
	assert.Equal(t, provider.ReasonAmountMismatch, tx.FailureReason)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, provider.StateFailed, f.notifier.settlements[0].State)
}

func TestReconcile_CurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	res := successResult("150.00")
	res.Currency = "USD"
	f.gateway.setResult(res, nil)

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, provider.ReasonAmountMismatch, tx.FailureReason)
}

func TestReconcile_DeclinedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultFailure, RawStatus: "FAILURE", ErrorCode: "10051"}, nil)

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, provider.StateFailed, tx.State)
	assert.Equal(t, "10051", tx.FailureReason)
}

func TestReconcile_PendingStaysOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultPending, RawStatus: "INIT_THREEDS"}, nil)

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, provider.StateAwaitingResult, tx.State)

	// after the result timeout the same answer expires the transaction
	f.clock.Advance(16 * time.Minute)
	tx, err = f.r.Poll(ctx, "R1")
	var expired *provider.TimeoutExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, provider.StateExpired, tx.State)
	assert.Equal(t, provider.ReasonTimeout, tx.FailureReason)
	assert.Equal(t, 1, f.notifier.count())
}

func TestReconcile_TransportErrorIsResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(nil, &provider.TransportError{Err: errors.New("connection refused")})

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	require.Error(t, err)
	assert.Equal(t, provider.StateAwaitingResult, tx.State)

	f.gateway.setResult(successResult("150.00"), nil)
	tx, err = f.r.Poll(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, tx.State)
}

func TestReconcile_ForgedWebhookChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.webhookErr = &provider.SignatureError{Scheme: "webhook"}

	_, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{Token: "tok-123", ConversationID: "R1", Status: "SUCCESS"})
	var sigErr *provider.SignatureError
	require.ErrorAs(t, err, &sigErr)

	stored, err := f.store.GetTransaction(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StatePending3DS, stored.State)
	assert.Zero(t, stored.AttemptsSeen)
	assert.Zero(t, f.gateway.retrieves.Load())
	assert.Zero(t, f.notifier.count())

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, "webhook_signature_mismatch", f.audit.events[0].Kind)
}

func TestReconcile_ResultSignatureMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), &provider.SignatureError{Scheme: "checkout-result", Reference: "R1"})

	tx, err := f.r.HandleRedirect(ctx, "tok-123")
	var sigErr *provider.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, provider.StateFailed, tx.State)
	assert.Equal(t, provider.ReasonSignature, tx.FailureReason)
	assert.Equal(t, 1, f.notifier.count())
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, "result_signature_mismatch", f.audit.events[0].Kind)
}

func TestHandleWebhook_FallsBackToConversationID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), nil)

	_, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{Token: "other-token", ConversationID: "R1"})
	assert.True(t, provider.IsValidation(err))

	_, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{ConversationID: "R1"})
	assert.True(t, provider.IsValidation(err))

	_, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{Token: "unknown", ConversationID: "nope"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.notifier.count())
}

func TestHandleRedirect_UnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.r.HandleRedirect(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.r.HandleRedirect(context.Background(), "  ")
	assert.True(t, provider.IsValidation(err))
}

func TestReconcile_TriggerLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultPending}, nil)

	for i := 0; i < 10; i++ {
		_, err := f.r.Poll(ctx, "R1")
		require.NoError(t, err)
	}
	_, err = f.r.Poll(ctx, "R1")
	assert.ErrorIs(t, err, ErrTriggerLimit)
	assert.Equal(t, int32(10), f.gateway.retrieves.Load())
}

// redirect and webhook racing for the same token must settle once
func TestReconcile_ConcurrentTriggersSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), nil)
	f.gateway.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.r.HandleRedirect(ctx, "tok-123")
			} else {
				_, err = f.r.HandleWebhook(ctx, provider.WebhookEvent{Token: "tok-123"})
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, int32(1), f.gateway.retrieves.Load())

	stored, err := f.store.GetTransaction(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, stored.State)
	assert.Equal(t, 8, stored.AttemptsSeen)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ref := range []string{"R1", "R2"} {
		_, _, err := f.r.Begin(ctx, checkoutRequest(ref, "150.00"))
		require.NoError(t, err)
	}
	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultPending}, nil)

	settled, err := f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, settled)

	f.clock.Advance(20 * time.Minute)
	settled, err = f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	for _, ref := range []string{"R1", "R2"} {
		tx, err := f.store.GetTransaction(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, provider.StateExpired, tx.State)
	}
	assert.Equal(t, 2, f.notifier.count())

	settled, err = f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestExpireOverdue_LateSuccessWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(successResult("150.00"), nil)

	f.clock.Advance(20 * time.Minute)
	settled, err := f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	tx, err := f.store.GetTransaction(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, tx.State)
}

func TestExpireOverdue_UnreachableGatewayRetriesLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(nil, &provider.TransportError{Err: errors.New("no route")})

	f.clock.Advance(20 * time.Minute)
	settled, err := f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, settled)

	tx, err := f.store.GetTransaction(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, tx.State.Terminal())

	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultPending}, nil)
	settled, err = f.r.ExpireOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
}

func TestSweeper_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.r.Begin(ctx, checkoutRequest("R1", "150.00"))
	require.NoError(t, err)
	f.gateway.setResult(&provider.CheckoutResult{Status: provider.ResultPending}, nil)
	f.clock.Advance(time.Hour)

	s, err := NewSweeper(f.r, "@every 30s")
	require.NoError(t, err)
	settled, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	_, err = NewSweeper(f.r, "not a schedule")
	assert.Error(t, err)
}
