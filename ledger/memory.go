// Package ledger provides LedgerStore implementations for creditengine.
//
// MemoryStore lives here; durable stores are in the postgres, redis and
// sqlite sub-packages.
package ledger

import (
	"context"
	"sync"

	ce "github.com/ineyio/creditengine"
)

// MemoryStore is an in-memory LedgerStore.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
}

var _ ce.LedgerStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

// Balance returns the user's balance, 0 if unknown.
func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// TryDebit decrements amount if the balance covers it.
func (s *MemoryStore) TryDebit(_ context.Context, userID string, amount int64) (bool, error) {
	if err := ce.ValidateAmount(amount); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[userID]
	if !ok || bal < amount {
		return false, nil
	}
	s.balances[userID] = bal - amount
	return true, nil
}

// Credit increments the balance, creating it if needed.
func (s *MemoryStore) Credit(_ context.Context, userID string, amount int64) error {
	if err := ce.ValidateAmount(amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return nil
}

// Ensure creates the balance with initial if absent.
func (s *MemoryStore) Ensure(_ context.Context, userID string, initial int64) error {
	if err := ce.ValidateAmount(initial); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = initial
	}
	return nil
}

// Delete removes the balance.
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.balances, userID)
	return nil
}
