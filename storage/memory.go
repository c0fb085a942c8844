package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mstgnz/paygate/provider"
)

// MemoryStore keeps everything in process. It is the default for sandbox runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]provider.LocalTransaction
	tokens       map[string]string
	refunds      map[string]provider.RefundRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]provider.LocalTransaction),
		tokens:       make(map[string]string),
		refunds:      make(map[string]provider.RefundRecord),
	}
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *provider.LocalTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.LocalReference]; exists {
		return ErrDuplicate
	}
	tx.Version = 1
	stored := *tx
	stored.Refunds = nil
	m.transactions[tx.LocalReference] = stored
	if tx.RemoteToken != "" {
		m.tokens[tx.RemoteToken] = tx.LocalReference
	}
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, reference string) (*provider.LocalTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(reference)
}

func (m *MemoryStore) GetTransactionByToken(_ context.Context, token string) (*provider.LocalTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reference, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return m.load(reference)
}

// load must be called with the lock held
func (m *MemoryStore) load(reference string) (*provider.LocalTransaction, error) {
	stored, ok := m.transactions[reference]
	if !ok {
		return nil, ErrNotFound
	}
	tx := stored
	tx.Refunds = m.refundsFor(reference)
	return &tx, nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *provider.LocalTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[tx.LocalReference]
	if !ok {
		return ErrNotFound
	}
	if current.Version != tx.Version {
		return ErrConflict
	}

	tx.Version++
	stored := *tx
	stored.Refunds = nil
	m.transactions[tx.LocalReference] = stored
	if tx.RemoteToken != "" {
		m.tokens[tx.RemoteToken] = tx.LocalReference
	}
	return nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*provider.LocalTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*provider.LocalTransaction
	for _, stored := range m.transactions {
		if stored.State.Terminal() || stored.ExpiresAt.IsZero() || !stored.ExpiresAt.Before(now) {
			continue
		}
		tx := stored
		out = append(out, &tx)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateRefund(_ context.Context, r *provider.RefundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refunds[r.IdempotencyKey]; exists {
		return ErrDuplicate
	}
	m.refunds[r.IdempotencyKey] = *r
	return nil
}

func (m *MemoryStore) GetRefund(_ context.Context, idempotencyKey string) (*provider.RefundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRefund(_ context.Context, r *provider.RefundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[r.IdempotencyKey]; !ok {
		return ErrNotFound
	}
	m.refunds[r.IdempotencyKey] = *r
	return nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, reference string) ([]provider.RefundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refundsFor(reference), nil
}

func (m *MemoryStore) refundsFor(reference string) []provider.RefundRecord {
	var out []provider.RefundRecord
	for _, r := range m.refunds {
		if r.LocalReference == reference {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
