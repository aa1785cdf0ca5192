// Package postgres provides a PostgreSQL-backed LedgerStore for creditengine.
//
// Balances live in one table with a CHECK (amount >= 0) constraint. Debits are
// a single conditional UPDATE, so concurrent callers serialize on the row lock.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	ce "github.com/ineyio/creditengine"
)

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ ce.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditengine_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed LedgerStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditengine_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balancesTable() string { return s.tablePrefix + "balances" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.balancesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: ensure schema: %w", err)
	}
	return nil
}

// Balance returns the user's balance, 0 if no row exists.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE((SELECT amount FROM %s WHERE user_id = $1), 0)`, s.balancesTable()),
		userID,
	).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("creditengine/postgres: balance: %w", err)
	}
	return amount, nil
}

// TryDebit atomically decrements amount only if the balance covers it.
func (s *Store) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := ce.ValidateAmount(amount); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET amount = amount - $1, updated_at = now()
			WHERE user_id = $2 AND amount >= $1`, s.balancesTable()),
		amount, userID,
	)
	if err != nil {
		return false, fmt.Errorf("creditengine/postgres: debit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Credit atomically increments the balance, creating the row if needed.
func (s *Store) Credit(ctx context.Context, userID string, amount int64) error {
	if err := ce.ValidateAmount(amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, amount) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET amount = %s.amount + EXCLUDED.amount, updated_at = now()`,
			s.balancesTable(), s.balancesTable()),
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: credit: %w", err)
	}
	return nil
}

// Ensure inserts the balance with initial unless a row already exists.
func (s *Store) Ensure(ctx context.Context, userID string, initial int64) error {
	if err := ce.ValidateAmount(initial); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, amount) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
			s.balancesTable()),
		userID, initial,
	)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: ensure: %w", err)
	}
	return nil
}

// Delete removes the balance row.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.balancesTable()),
		userID,
	)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: delete: %w", err)
	}
	return nil
}
