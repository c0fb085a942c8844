// Package postgres stores transactions and refunds in PostgreSQL through a pgx pool.
// The schema is managed by goose migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver for goose
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	connectAttempts = 5
	uniqueViolation = "23505"
)

// Store is a storage.Store on PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// Migrate applies the embedded goose migrations to dsn
func Migrate(ctx context.Context, dsn string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Open connects to dsn, retrying while the database comes up, and applies migrations
func Open(ctx context.Context, dsn string) (*Store, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				break
			}
			pool.Close()
		}

		logger.Warn("postgres not ready", logger.LogContext{
			Fields: map[string]any{"attempt": attempt, "error": err.Error()},
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres after %d attempts: %w", connectAttempts, err)
	}

	if err := Migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres store ready")
	return &Store{pool: pool}, nil
}

// New wraps an existing pool, the schema must already be migrated
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const txColumns = `reference, remote_token, remote_payment_id, payment_page_url, token_expires_at, state,
	failure_reason, amount::text, paid_amount::text, currency, created_at, last_updated_at, expires_at, attempts_seen, version`

func (s *Store) CreateTransaction(ctx context.Context, tx *provider.LocalTransaction) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO transactions (reference, remote_token, remote_payment_id, payment_page_url,
		token_expires_at, state, failure_reason, amount, paid_amount, currency, created_at, last_updated_at,
		expires_at, attempts_seen, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)`,
		tx.LocalReference, tx.RemoteToken, tx.RemotePaymentID, tx.PaymentPageURL, nullTime(tx.TokenExpiresAt),
		string(tx.State), tx.FailureReason, tx.Amount.String(), tx.PaidAmount.String(), tx.Currency,
		tx.CreatedAt.UTC(), tx.LastUpdatedAt.UTC(), nullTime(tx.ExpiresAt), tx.AttemptsSeen,
	)
	if isUnique(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.LocalReference, err)
	}
	tx.Version = 1
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, reference string) (*provider.LocalTransaction, error) {
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = $1`, reference)
}

func (s *Store) GetTransactionByToken(ctx context.Context, token string) (*provider.LocalTransaction, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM transactions WHERE remote_token = $1`, token)
}

func (s *Store) getTransaction(ctx context.Context, query, arg string) (*provider.LocalTransaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Refunds, err = s.ListRefunds(ctx, tx.LocalReference)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *provider.LocalTransaction) error {
	tag, err := s.pool.Exec(ctx, `UPDATE transactions SET remote_token = $1, remote_payment_id = $2,
		payment_page_url = $3, token_expires_at = $4, state = $5, failure_reason = $6, amount = $7, paid_amount = $8,
		currency = $9, last_updated_at = $10, expires_at = $11, attempts_seen = $12, version = version + 1
		WHERE reference = $13 AND version = $14`,
		tx.RemoteToken, tx.RemotePaymentID, tx.PaymentPageURL, nullTime(tx.TokenExpiresAt),
		string(tx.State), tx.FailureReason, tx.Amount.String(), tx.PaidAmount.String(), tx.Currency,
		tx.LastUpdatedAt.UTC(), nullTime(tx.ExpiresAt), tx.AttemptsSeen,
		tx.LocalReference, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.LocalReference, err)
	}

	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM transactions WHERE reference = $1`, tx.LocalReference).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	}

	tx.Version++
	return nil
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*provider.LocalTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE state NOT IN ($1, $2, $3) AND expires_at IS NOT NULL AND expires_at < $4
		ORDER BY expires_at LIMIT $5`,
		string(provider.StateSucceeded), string(provider.StateFailed), string(provider.StateExpired),
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()

	var out []*provider.LocalTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const refundColumns = `idempotency_key, reference, remote_refund_id, amount::text, currency, status, message, error_code,
	created_at, updated_at`

func (s *Store) CreateRefund(ctx context.Context, r *provider.RefundRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO refunds (idempotency_key, reference, remote_refund_id, amount, currency,
		status, message, error_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.IdempotencyKey, r.LocalReference, r.RemoteRefundID, r.RequestedAmount.String(), r.Currency,
		string(r.Status), r.Message, r.ErrorCode, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if isUnique(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert refund %s: %w", r.IdempotencyKey, err)
	}
	return nil
}

func (s *Store) GetRefund(ctx context.Context, idempotencyKey string) (*provider.RefundRecord, error) {
	r, err := scanRefund(s.pool.QueryRow(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRefund(ctx context.Context, r *provider.RefundRecord) error {
	tag, err := s.pool.Exec(ctx, `UPDATE refunds SET remote_refund_id = $1, status = $2, message = $3,
		error_code = $4, updated_at = $5 WHERE idempotency_key = $6`,
		r.RemoteRefundID, string(r.Status), r.Message, r.ErrorCode, r.UpdatedAt.UTC(), r.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("update refund %s: %w", r.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListRefunds(ctx context.Context, reference string) ([]provider.RefundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE reference = $1 ORDER BY created_at, idempotency_key`, reference)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var out []provider.RefundRecord
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanTransaction(row pgx.Row) (*provider.LocalTransaction, error) {
	var (
		tx                    provider.LocalTransaction
		state, amount, paid   string
		tokenExpires, expires *time.Time
	)
	err := row.Scan(&tx.LocalReference, &tx.RemoteToken, &tx.RemotePaymentID, &tx.PaymentPageURL, &tokenExpires,
		&state, &tx.FailureReason, &amount, &paid, &tx.Currency, &tx.CreatedAt, &tx.LastUpdatedAt, &expires,
		&tx.AttemptsSeen, &tx.Version)
	if err != nil {
		return nil, err
	}

	tx.State = provider.TxState(state)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount of %s: %w", tx.LocalReference, err)
	}
	if tx.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("paid amount of %s: %w", tx.LocalReference, err)
	}
	tx.TokenExpiresAt = derefTime(tokenExpires)
	tx.ExpiresAt = derefTime(expires)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.LastUpdatedAt = tx.LastUpdatedAt.UTC()
	return &tx, nil
}

func scanRefund(row pgx.Row) (provider.RefundRecord, error) {
	var (
		r              provider.RefundRecord
		amount, status string
	)
	err := row.Scan(&r.IdempotencyKey, &r.LocalReference, &r.RemoteRefundID, &amount, &r.Currency, &status,
		&r.Message, &r.ErrorCode, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Status = provider.RefundStatus(status)
	if r.RequestedAmount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("refund amount of %s: %w", r.IdempotencyKey, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ storage.Store = (*Store)(nil)
