// Package ledgertest is a behavioural test suite shared by LedgerStore backends.
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
)

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) ce.LedgerStore) {
	t.Run("EnsureNeverOverwrites", func(t *testing.T) { testEnsure(t, newStore(t)) })
	t.Run("TryDebit", func(t *testing.T) { testTryDebit(t, newStore(t)) })
	t.Run("TryDebitMissingUser", func(t *testing.T) { testTryDebitMissing(t, newStore(t)) })
	t.Run("CreditCreatesBalance", func(t *testing.T) { testCredit(t, newStore(t)) })
	t.Run("NegativeAmounts", func(t *testing.T) { testNegative(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ConcurrentDebitsNoOverdraft", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("ConcurrentDebitsAndCredits", func(t *testing.T) { testConcurrentMixed(t, newStore(t)) })
}

func testEnsure(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()

	n, err := s.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, s.Ensure(ctx, "user1", 400))
	require.NoError(t, s.Ensure(ctx, "user1", 999))

	n, err = s.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), n)
}

func testTryDebit(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.Ensure(ctx, "user1", 100))

	ok, err := s.TryDebit(ctx, "user1", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	n, _ := s.Balance(ctx, "user1")
	assert.Equal(t, int64(100), n, "failed debit must not change the balance")

	ok, err = s.TryDebit(ctx, "user1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	n, _ = s.Balance(ctx, "user1")
	assert.Equal(t, int64(0), n)

	ok, err = s.TryDebit(ctx, "user1", 0)
	require.NoError(t, err)
	assert.True(t, ok, "zero debit is always covered")
}

func testTryDebitMissing(t *testing.T, s ce.LedgerStore) {
	ok, err := s.TryDebit(context.Background(), "ghost", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCredit(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "user1", 25))
	require.NoError(t, s.Credit(ctx, "user1", 25))
	require.NoError(t, s.Credit(ctx, "user1", 0))

	n, err := s.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func testNegative(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()

	_, err := s.TryDebit(ctx, "user1", -1)
	assert.ErrorIs(t, err, ce.ErrInvalidAmount)
	assert.ErrorIs(t, s.Credit(ctx, "user1", -1), ce.ErrInvalidAmount)
	assert.ErrorIs(t, s.Ensure(ctx, "user1", -1), ce.ErrInvalidAmount)
}

func testDelete(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.Ensure(ctx, "user1", 400))
	require.NoError(t, s.Delete(ctx, "user1"))

	n, err := s.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func testConcurrentDebits(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.Ensure(ctx, "user1", 10))

	var wg sync.WaitGroup
	var successCount atomic.Int64
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryDebit(ctx, "user1", 1)
			if err == nil && ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), successCount.Load())
	n, _ := s.Balance(ctx, "user1")
	assert.Equal(t, int64(0), n)
}

func testConcurrentMixed(t *testing.T, s ce.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.Ensure(ctx, "user1", 1000))

	var wg sync.WaitGroup
	var debited atomic.Int64
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if ok, err := s.TryDebit(ctx, "user1", 10); err == nil && ok {
				debited.Add(10)
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.Credit(ctx, "user1", 5)
		}()
	}
	wg.Wait()

	n, err := s.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1000+50*5-debited.Load(), n)
	assert.GreaterOrEqual(t, n, int64(0))
}
