package creditengine

import (
	"context"
	"fmt"
)

// BalanceService is the read side of the ledger.
type BalanceService struct {
	ledger LedgerStore
}

// NewBalanceService creates a BalanceService.
func NewBalanceService(ledger LedgerStore) *BalanceService {
	return &BalanceService{ledger: ledger}
}

// Balance returns the user's current balance, 0 if the user has none.
func (s *BalanceService) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return s.ledger.Balance(ctx, userID)
}
