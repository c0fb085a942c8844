// Package storagetest runs the same behavioural checks against every storage.Store implementation.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) storage.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTransaction builds a created transaction for reference
func NewTransaction(reference string) *provider.LocalTransaction {
	return &provider.LocalTransaction{
		LocalReference: reference,
		State:          provider.StateCreated,
		Amount:         decimal.RequireFromString("150.00"),
		Currency:       "TRY",
		CreatedAt:      base,
		LastUpdatedAt:  base,
	}
}

// Run executes the conformance suite
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("duplicate reference", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("optimistic update", func(t *testing.T) { testOptimisticUpdate(t, newStore(t)) })
	t.Run("lookup by token", func(t *testing.T) { testByToken(t, newStore(t)) })
	t.Run("list overdue", func(t *testing.T) { testOverdue(t, newStore(t)) })
	t.Run("refunds", func(t *testing.T) { testRefunds(t, newStore(t)) })
	t.Run("concurrent updates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx := NewTransaction("order-1")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, provider.StateCreated, got.State)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, "TRY", got.Currency)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Equal(t, tx.Version, got.Version)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, NewTransaction("order-1")))
	assert.ErrorIs(t, s.CreateTransaction(ctx, NewTransaction("order-1")), storage.ErrDuplicate)
}

func testOptimisticUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, NewTransaction("order-1")))

	first, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	stale, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)

	first.State = provider.StatePending3DS
	first.RemoteToken = "tok-1"
	first.ExpiresAt = base.Add(15 * time.Minute)
	require.NoError(t, s.UpdateTransaction(ctx, first))

	stale.State = provider.StateFailed
	assert.ErrorIs(t, s.UpdateTransaction(ctx, stale), storage.ErrConflict)

	got, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, provider.StatePending3DS, got.State)
	assert.Equal(t, first.Version, got.Version)
	assert.True(t, got.ExpiresAt.Equal(base.Add(15*time.Minute)))

	missing := NewTransaction("missing")
	assert.ErrorIs(t, s.UpdateTransaction(ctx, missing), storage.ErrNotFound)
}

func testByToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx := NewTransaction("order-1")
	require.NoError(t, s.CreateTransaction(ctx, tx))
	tx.RemoteToken = "tok-abc"
	tx.State = provider.StatePending3DS
	require.NoError(t, s.UpdateTransaction(ctx, tx))

	got, err := s.GetTransactionByToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "order-1", got.LocalReference)

	_, err = s.GetTransactionByToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testOverdue(t *testing.T, s storage.Store) {
	ctx := context.Background()

	overdue := NewTransaction("overdue")
	overdue.State = provider.StatePending3DS
	overdue.ExpiresAt = base.Add(-time.Minute)

	fresh := NewTransaction("fresh")
	fresh.State = provider.StatePending3DS
	fresh.ExpiresAt = base.Add(time.Hour)

	settled := NewTransaction("settled")
	settled.State = provider.StateSucceeded
	settled.ExpiresAt = base.Add(-time.Hour)

	noDeadline := NewTransaction("no-deadline")

	for _, tx := range []*provider.LocalTransaction{overdue, fresh, settled, noDeadline} {
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	got, err := s.ListOverdue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "overdue", got[0].LocalReference)
}

func testRefunds(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, NewTransaction("order-1")))

	r := &provider.RefundRecord{
		LocalReference:  "order-1",
		RequestedAmount: decimal.RequireFromString("40.00"),
		Currency:        "TRY",
		Status:          provider.RefundPending,
		IdempotencyKey:  "key-1",
		CreatedAt:       base,
		UpdatedAt:       base,
	}
	require.NoError(t, s.CreateRefund(ctx, r))
	assert.ErrorIs(t, s.CreateRefund(ctx, r), storage.ErrDuplicate)

	r.Status = provider.RefundSucceeded
	r.RemoteRefundID = "rf-1"
	r.UpdatedAt = base.Add(time.Second)
	require.NoError(t, s.UpdateRefund(ctx, r))

	got, err := s.GetRefund(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, provider.RefundSucceeded, got.Status)
	assert.Equal(t, "rf-1", got.RemoteRefundID)
	assert.True(t, got.RequestedAmount.Equal(decimal.RequireFromString("40")))

	_, err = s.GetRefund(ctx, "key-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListRefunds(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	tx, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, tx.Refunds, 1)
	assert.Equal(t, "key-1", tx.Refunds[0].IdempotencyKey)
}

func testConcurrentUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, NewTransaction("order-1")))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.GetTransaction(ctx, "order-1")
			if err != nil {
				return
			}
			tx.AttemptsSeen++
			if s.UpdateTransaction(ctx, tx) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, successes, 1)
	assert.Equal(t, successes, got.AttemptsSeen, "every accepted write is based on the latest version")
}
