// Package storage defines the persistence contract for local transactions and refund records.
// Implementations live in this package (memory) and in the sqlite and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mstgnz/paygate/provider"
)

var (
	// ErrNotFound is returned when no row matches the lookup
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a reference or idempotency key already exists
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrConflict is returned when an update was based on a stale version
	ErrConflict = errors.New("storage: version conflict")
)

// TransactionStore persists reconciler-owned transactions.
//
// Update is optimistic: it succeeds only when tx.Version matches the stored version,
// and bumps tx.Version on success.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *provider.LocalTransaction) error
	GetTransaction(ctx context.Context, reference string) (*provider.LocalTransaction, error)
	GetTransactionByToken(ctx context.Context, token string) (*provider.LocalTransaction, error)
	UpdateTransaction(ctx context.Context, tx *provider.LocalTransaction) error
	// ListOverdue returns non-terminal transactions whose ExpiresAt is before now
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*provider.LocalTransaction, error)
}

// RefundStore persists refund records keyed by idempotency key
type RefundStore interface {
	CreateRefund(ctx context.Context, r *provider.RefundRecord) error
	GetRefund(ctx context.Context, idempotencyKey string) (*provider.RefundRecord, error)
	UpdateRefund(ctx context.Context, r *provider.RefundRecord) error
	ListRefunds(ctx context.Context, reference string) ([]provider.RefundRecord, error)
}

// Store is the full persistence surface
type Store interface {
	TransactionStore
	RefundStore
	Ping(ctx context.Context) error
	Close() error
}
