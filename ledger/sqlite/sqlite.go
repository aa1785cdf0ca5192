// Package sqlite provides a SQLite-backed LedgerStore for creditengine,
// for single-node deployments. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	ce "github.com/ineyio/creditengine"
)

// Store is a SQLite-backed LedgerStore.
type Store struct {
	db          *sql.DB
	tablePrefix string
}

var _ ce.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditengine_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// Open opens a SQLite database at path with WAL and a busy timeout.
// Writes are funneled through one connection.
func Open(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("creditengine/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// New creates a new SQLite-backed LedgerStore.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
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
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		user_id    TEXT PRIMARY KEY,
		amount     INTEGER NOT NULL CHECK (amount >= 0),
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`, s.balancesTable()))
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: ensure schema: %w", err)
	}
	return nil
}

// Balance returns the user's balance, 0 if no row exists.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT amount FROM %s WHERE user_id = ?`, s.balancesTable()),
		userID,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("creditengine/sqlite: balance: %w", err)
	}
	return amount, nil
}

// TryDebit atomically decrements amount only if the balance covers it.
func (s *Store) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := ce.ValidateAmount(amount); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET amount = amount - ?, updated_at = datetime('now')
			WHERE user_id = ? AND amount >= ?`, s.balancesTable()),
		amount, userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("creditengine/sqlite: debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditengine/sqlite: debit rows: %w", err)
	}
	return n == 1, nil
}

// Credit atomically increments the balance, creating the row if needed.
func (s *Store) Credit(ctx context.Context, userID string, amount int64) error {
	if err := ce.ValidateAmount(amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, amount) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET amount = amount + excluded.amount, updated_at = datetime('now')`,
			s.balancesTable()),
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: credit: %w", err)
	}
	return nil
}

// Ensure inserts the balance with initial unless a row already exists.
func (s *Store) Ensure(ctx context.Context, userID string, initial int64) error {
	if err := ce.ValidateAmount(initial); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, amount) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
			s.balancesTable()),
		userID, initial,
	)
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: ensure: %w", err)
	}
	return nil
}

// Delete removes the balance row.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, s.balancesTable()),
		userID,
	)
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: delete: %w", err)
	}
	return nil
}
