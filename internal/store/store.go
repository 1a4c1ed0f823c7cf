// Package store is the Postgres persistence layer for plans, subscriptions
// and payments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
)

const (
	defaultPageSize = 200

	uniqueViolation = "23505"
)

// ErrSubscriptionNotFound is returned when an update targets a missing row.
var ErrSubscriptionNotFound = errors.New("store: subscription not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides database-backed accessors for billing data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// InTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(billing.Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// txStore implements billing.Tx on top of a single *sql.Tx.
type txStore struct {
	q queryer
}

var _ billing.Tx = (*txStore)(nil)

// LockUser takes a transaction-scoped advisory lock keyed on the user id.
func (t *txStore) LockUser(ctx context.Context, userID int64) error {
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return fmt.Errorf("store: lock user %d: %w", userID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time.UTC()
	return &v
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}
