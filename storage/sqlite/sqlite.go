// Package sqlite stores transactions and refunds in a single SQLite file tuned for
// several processes sharing it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/storage"
	"github.com/shopspring/decimal"
)

const (
	maxBusyRetries = 4
	timeLayout     = "2006-01-02T15:04:05.000000000Z"
)

// Store is a storage.Store on SQLite
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file if needed and applies the schema
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_timeout=20000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 30000;",
		"PRAGMA temp_store = memory;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("Warning: Failed to execute %s: %v", pragma, err)
		}
	}

	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		reference TEXT PRIMARY KEY,
		remote_token TEXT NOT NULL DEFAULT '',
		remote_payment_id TEXT NOT NULL DEFAULT '',
		payment_page_url TEXT NOT NULL DEFAULT '',
		token_expires_at TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_updated_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT '',
		attempts_seen INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_token ON transactions(remote_token);
	CREATE INDEX IF NOT EXISTS idx_transactions_expiry ON transactions(state, expires_at);

	CREATE TABLE IF NOT EXISTS refunds (
		idempotency_key TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		remote_refund_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_reference ON refunds(reference);
	`

	_, err := s.db.Exec(query)
	return err
}

// retryOperation executes a database operation with retry logic for SQLITE_BUSY errors
func (s *Store) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}

		lastErr = err
		if attempt < maxBusyRetries {
			// 10ms, 20ms, 40ms, 80ms
			backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", maxBusyRetries+1, lastErr)
}

func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func isUnique(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

const txColumns = `reference, remote_token, remote_payment_id, payment_page_url, token_expires_at, state,
	failure_reason, amount, paid_amount, currency, created_at, last_updated_at, expires_at, attempts_seen, version`

func (s *Store) CreateTransaction(ctx context.Context, tx *provider.LocalTransaction) error {
	query := `INSERT INTO transactions (` + txColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	err := s.retryOperation(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			tx.LocalReference, tx.RemoteToken, tx.RemotePaymentID, tx.PaymentPageURL, formatTime(tx.TokenExpiresAt),
			string(tx.State), tx.FailureReason, tx.Amount.String(), tx.PaidAmount.String(), tx.Currency,
			formatTime(tx.CreatedAt), formatTime(tx.LastUpdatedAt), formatTime(tx.ExpiresAt), tx.AttemptsSeen,
		)
		return err
	})
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
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = ?`, reference)
}

func (s *Store) GetTransactionByToken(ctx context.Context, token string) (*provider.LocalTransaction, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM transactions WHERE remote_token = ?`, token)
}

func (s *Store) getTransaction(ctx context.Context, query string, arg string) (*provider.LocalTransaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
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
	query := `UPDATE transactions SET remote_token = ?, remote_payment_id = ?, payment_page_url = ?, token_expires_at = ?,
		state = ?, failure_reason = ?, amount = ?, paid_amount = ?, currency = ?, last_updated_at = ?, expires_at = ?,
		attempts_seen = ?, version = version + 1
		WHERE reference = ? AND version = ?`

	var affected int64
	err := s.retryOperation(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			tx.RemoteToken, tx.RemotePaymentID, tx.PaymentPageURL, formatTime(tx.TokenExpiresAt),
			string(tx.State), tx.FailureReason, tx.Amount.String(), tx.PaidAmount.String(), tx.Currency,
			formatTime(tx.LastUpdatedAt), formatTime(tx.ExpiresAt), tx.AttemptsSeen,
			tx.LocalReference, tx.Version,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.LocalReference, err)
	}

	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE reference = ?`, tx.LocalReference).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
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
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE state NOT IN (?, ?, ?) AND expires_at != '' AND expires_at < ?
		ORDER BY expires_at LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		string(provider.StateSucceeded), string(provider.StateFailed), string(provider.StateExpired),
		formatTime(now), limit,
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

const refundColumns = `idempotency_key, reference, remote_refund_id, amount, currency, status, message, error_code, created_at, updated_at`

func (s *Store) CreateRefund(ctx context.Context, r *provider.RefundRecord) error {
	query := `INSERT INTO refunds (` + refundColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := s.retryOperation(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			r.IdempotencyKey, r.LocalReference, r.RemoteRefundID, r.RequestedAmount.String(), r.Currency,
			string(r.Status), r.Message, r.ErrorCode, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		return err
	})
	if isUnique(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert refund %s: %w", r.IdempotencyKey, err)
	}
	return nil
}

func (s *Store) GetRefund(ctx context.Context, idempotencyKey string) (*provider.RefundRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = ?`, idempotencyKey)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRefund(ctx context.Context, r *provider.RefundRecord) error {
	query := `UPDATE refunds SET remote_refund_id = ?, status = ?, message = ?, error_code = ?, updated_at = ?
		WHERE idempotency_key = ?`

	var affected int64
	err := s.retryOperation(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			r.RemoteRefundID, string(r.Status), r.Message, r.ErrorCode, formatTime(r.UpdatedAt), r.IdempotencyKey,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update refund %s: %w", r.IdempotencyKey, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListRefunds(ctx context.Context, reference string) ([]provider.RefundRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE reference = ? ORDER BY created_at, idempotency_key`, reference)
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
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*provider.LocalTransaction, error) {
	var (
		tx                                      provider.LocalTransaction
		state, amount, paid                     string
		tokenExpires, created, updated, expires string
	)
	err := row.Scan(&tx.LocalReference, &tx.RemoteToken, &tx.RemotePaymentID, &tx.PaymentPageURL, &tokenExpires,
		&state, &tx.FailureReason, &amount, &paid, &tx.Currency, &created, &updated, &expires,
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
	tx.TokenExpiresAt = parseTime(tokenExpires)
	tx.CreatedAt = parseTime(created)
	tx.LastUpdatedAt = parseTime(updated)
	tx.ExpiresAt = parseTime(expires)
	return &tx, nil
}

func scanRefund(row scanner) (provider.RefundRecord, error) {
	var (
		r                provider.RefundRecord
		amount, status   string
		created, updated string
	)
	err := row.Scan(&r.IdempotencyKey, &r.LocalReference, &r.RemoteRefundID, &amount, &r.Currency, &status,
		&r.Message, &r.ErrorCode, &created, &updated)
	if err != nil {
		return r, err
	}
	r.Status = provider.RefundStatus(status)
	if r.RequestedAmount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("refund amount of %s: %w", r.IdempotencyKey, err)
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

// formatTime writes UTC with fixed precision so string order matches time order
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ storage.Store = (*Store)(nil)
