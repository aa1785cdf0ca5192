//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	redisledger "github.com/ineyio/creditengine/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *redisledger.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := redisledger.New(client, redisledger.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestEnsureAndBalance(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	n, err := store.Balance(ctx, "user1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 for unknown user, got %d", n)
	}

	store.Ensure(ctx, "user1", 400)
	store.Ensure(ctx, "user1", 999)

	n, _ = store.Balance(ctx, "user1")
	if n != 400 {
		t.Fatalf("expected 400, got %d", n)
	}
}

func TestTryDebit(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	store.Ensure(ctx, "user1", 100)

	ok, err := store.TryDebit(ctx, "user1", 101)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatal("expected insufficient balance")
	}

	ok, err = store.TryDebit(ctx, "user1", 100)
	if err != nil || !ok {
		t.Fatalf("expected exact debit to succeed, ok=%v err=%v", ok, err)
	}

	n, _ := store.Balance(ctx, "user1")
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestTryDebitUnknownUser(t *testing.T) {
	store := newTestStore(t, newTestClient(t))

	ok, err := store.TryDebit(context.Background(), "ghost", 1)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatal("expected debit against missing balance to fail")
	}
}

func TestCreditCreatesMissingKey(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if err := store.Credit(ctx, "user1", 30); err != nil {
		t.Fatalf("credit: %v", err)
	}

	n, _ := store.Balance(ctx, "user1")
	if n != 30 {
		t.Fatalf("expected 30, got %d", n)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	store.Ensure(ctx, "user1", 400)
	if err := store.Delete(ctx, "user1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, _ := store.Balance(ctx, "user1")
	if n != 0 {
		t.Fatalf("expected 0 after delete, got %d", n)
	}
}

func TestConcurrentDebitsNoOverdraft(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	store.Ensure(ctx, "user1", 10)

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryDebit(ctx, "user1", 1)
			if err == nil && ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 10 {
		t.Fatalf("expected exactly 10 successful debits, got %d", successCount.Load())
	}
	n, _ := store.Balance(ctx, "user1")
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
