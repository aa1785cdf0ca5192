package creditengine

import "context"

// LedgerStore holds one credit balance per user.
//
// Balances are mutated only through TryDebit and Credit, both of which must
// be single atomic operations in the backing store.
type LedgerStore interface {
	// Balance returns the current balance, or 0 if the user has no record.
	Balance(ctx context.Context, userID string) (int64, error)

	// TryDebit decrements amount only if the balance covers it.
	// Insufficient funds is (false, nil), never an error.
	TryDebit(ctx context.Context, userID string, amount int64) (bool, error)

	// Credit increments the balance. A zero amount is a no-op.
	Credit(ctx context.Context, userID string, amount int64) error

	// Ensure creates the balance with initial if it does not exist.
	// An existing balance is never overwritten.
	Ensure(ctx context.Context, userID string, initial int64) error

	// Delete removes the balance record.
	Delete(ctx context.Context, userID string) error
}

// ValidateAmount rejects negative ledger amounts.
func ValidateAmount(amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}
