// Package redis provides a Redis-backed LedgerStore for creditengine.
//
// Each balance is an integer string key. Debits run as a Lua script so the
// compare and the decrement are one atomic step on the server.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	ce "github.com/ineyio/creditengine"
)

// Store is a Redis-backed LedgerStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ ce.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditengine:balance:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed LedgerStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditengine:balance:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balanceKey(userID string) string {
	return s.keyPrefix + userID
}

// debitScript is a Lua script for the conditional decrement.
// KEYS[1] = balance key
// ARGV[1] = amount
//
// Returns:
//
//	1  = debited
//	0  = insufficient balance
//	-1 = no balance
var debitScript = goredis.NewScript(`
local balance = redis.call("GET", KEYS[1])
if not balance then
    return -1
end
local amount = tonumber(ARGV[1])
if tonumber(balance) < amount then
    return 0
end
redis.call("DECRBY", KEYS[1], amount)
return 1
`)

// Balance returns the user's balance, 0 if the key does not exist.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	v, err := s.client.Get(ctx, s.balanceKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("creditengine/redis: balance: %w", err)
	}
	return v, nil
}

// TryDebit atomically decrements amount only if the balance covers it.
func (s *Store) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := ce.ValidateAmount(amount); err != nil {
		return false, err
	}

	result, err := debitScript.Run(ctx, s.client, []string{s.balanceKey(userID)}, amount).Int64()
	if err != nil {
		return false, fmt.Errorf("creditengine/redis: debit: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case 0, -1:
		return false, nil
	default:
		return false, fmt.Errorf("creditengine/redis: unexpected debit result: %d", result)
	}
}

// Credit atomically increments the balance, creating the key if needed.
func (s *Store) Credit(ctx context.Context, userID string, amount int64) error {
	if err := ce.ValidateAmount(amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	if err := s.client.IncrBy(ctx, s.balanceKey(userID), amount).Err(); err != nil {
		return fmt.Errorf("creditengine/redis: credit: %w", err)
	}
	return nil
}

// Ensure sets the balance to initial only if the key is absent.
func (s *Store) Ensure(ctx context.Context, userID string, initial int64) error {
	if err := ce.ValidateAmount(initial); err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, s.balanceKey(userID), initial, 0).Err(); err != nil {
		return fmt.Errorf("creditengine/redis: ensure: %w", err)
	}
	return nil
}

// Delete removes the balance key.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.balanceKey(userID)).Err(); err != nil {
		return fmt.Errorf("creditengine/redis: delete: %w", err)
	}
	return nil
}
