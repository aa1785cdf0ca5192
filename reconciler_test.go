package creditengine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
)

// reserved funds user1 and returns a job reserved for 100 under req-1.
func reserved(t *testing.T, e *engine) ce.Job {
	t.Helper()
	e.fund(t, "user1", 1000)
	job, err := e.coord.ReserveAndSubmit(context.Background(), reserve("user1", 100), submitOK("req-1"))
	require.NoError(t, err)
	return job
}

func TestOnProviderEvent_FailureRefunds(t *testing.T) {
	e := newEngine(t)
	job := reserved(t, e)
	ctx := context.Background()

	d := e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("nsfw content"))
	assert.Equal(t, ce.DispositionApplied, d)
	assert.Equal(t, int64(1000), e.balance(t, "user1"))

	got, err := e.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ce.StatusFailed, got.Status)
	assert.Equal(t, "nsfw content", got.FailureReason)
}

func TestOnProviderEvent_SuccessKeepsCharge(t *testing.T) {
	e := newEngine(t)
	job := reserved(t, e)
	ctx := context.Background()

	d := e.recon.OnProviderEvent(ctx, "req-1", ce.Succeeded("https://cdn/lora.safetensors"))
	assert.Equal(t, ce.DispositionApplied, d)
	assert.Equal(t, int64(900), e.balance(t, "user1"))
	assert.Zero(t, e.ledger.credits.Load())

	got, err := e.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ce.StatusCompleted, got.Status)
	assert.Equal(t, "https://cdn/lora.safetensors", got.ArtifactURL)
}

func TestOnProviderEvent_RedeliveryIsNoop(t *testing.T) {
	e := newEngine(t)
	reserved(t, e)
	ctx := context.Background()

	require.Equal(t, ce.DispositionApplied, e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("boom")))
	assert.Equal(t, ce.DispositionDuplicate, e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("boom")))
	assert.Equal(t, ce.DispositionDuplicate, e.recon.OnProviderEvent(ctx, "req-1", ce.Succeeded("https://cdn/late.png")))

	assert.Equal(t, int64(1000), e.balance(t, "user1"))
	assert.Equal(t, int64(1), e.ledger.credits.Load())
}

// A failure arriving after success does not refund.
func TestOnProviderEvent_FailureAfterSuccess(t *testing.T) {
	e := newEngine(t)
	reserved(t, e)
	ctx := context.Background()

	require.Equal(t, ce.DispositionApplied, e.recon.OnProviderEvent(ctx, "req-1", ce.Succeeded("https://cdn/a.png")))
	assert.Equal(t, ce.DispositionDuplicate, e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("late")))
	assert.Equal(t, int64(900), e.balance(t, "user1"))
}

func TestOnProviderEvent_UnknownRequest(t *testing.T) {
	e := newEngine(t)

	d := e.recon.OnProviderEvent(context.Background(), "req-nope", ce.Failed("x"))
	assert.Equal(t, ce.DispositionUnknown, d)
	assert.Zero(t, e.ledger.credits.Load())
}

func TestOnProviderEvent_LookupError(t *testing.T) {
	e := newEngine(t)
	reserved(t, e)
	e.registry.failFind = true

	d := e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x"))
	assert.Equal(t, ce.DispositionError, d)
	assert.Equal(t, int64(900), e.balance(t, "user1"))
}

func TestOnProviderEvent_UpdateError(t *testing.T) {
	e := newEngine(t)
	job := reserved(t, e)
	e.registry.failUpdate = true

	d := e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x"))
	assert.Equal(t, ce.DispositionError, d)
	assert.Equal(t, int64(900), e.balance(t, "user1"))

	// Status is untouched, so a redelivery can still settle it.
	e.registry.failUpdate = false
	got, err := e.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, ce.StatusReserved, got.Status)
	assert.Equal(t, ce.DispositionApplied, e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x")))
	assert.Equal(t, int64(1000), e.balance(t, "user1"))
}

func TestOnProviderEvent_RefundFailureRecordsOrphan(t *testing.T) {
	e := newEngine(t)
	job := reserved(t, e)
	e.ledger.failCredit.Store(true)

	d := e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x"))
	assert.Equal(t, ce.DispositionError, d)

	orphans := e.orphans(t)
	require.Len(t, orphans, 1)
	assert.Equal(t, "req-1", orphans[0].ExternalRequestID)
	assert.Equal(t, job.ReservedCredits, orphans[0].Credits)
	assert.False(t, orphans[0].Refunded)
}

func TestOnProviderEvent_FreeJobFailure(t *testing.T) {
	e := newEngine(t)
	_, err := e.coord.ReserveAndSubmit(context.Background(), reserve("user1", 0), submitOK("req-free"))
	require.NoError(t, err)

	d := e.recon.OnProviderEvent(context.Background(), "req-free", ce.Failed("x"))
	assert.Equal(t, ce.DispositionApplied, d)
	assert.Zero(t, e.ledger.credits.Load())
}

// Test: concurrent duplicate failure deliveries refund exactly once
func TestOnProviderEvent_ConcurrentDeliveries(t *testing.T) {
	e := newEngine(t)
	reserved(t, e)

	var wg sync.WaitGroup
	var applied atomic.Int64
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x")) == ce.DispositionApplied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), applied.Load())
	assert.Equal(t, int64(1000), e.balance(t, "user1"))
	assert.Equal(t, int64(1), e.ledger.credits.Load())
}

// Test: a failure webhook racing Rollback returns credits exactly once
func TestOnProviderEvent_RaceWithRollback(t *testing.T) {
	for range 20 {
		e := newEngine(t)
		job := reserved(t, e)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.recon.OnProviderEvent(context.Background(), "req-1", ce.Failed("x"))
		}()
		go func() {
			defer wg.Done()
			_, _ = e.coord.Rollback(context.Background(), job.ID)
		}()
		wg.Wait()

		require.Equal(t, int64(1000), e.balance(t, "user1"))
	}
}

func TestOnProviderEvent_Metered(t *testing.T) {
	rec := &recordingMeter{}
	e := newEngine(t, ce.WithMeter(rec))
	reserved(t, e)
	ctx := context.Background()

	e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("x"))
	e.recon.OnProviderEvent(ctx, "req-1", ce.Failed("x"))
	e.recon.OnProviderEvent(ctx, "req-404", ce.Failed("x"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.settles, 3)
	assert.Equal(t, ce.DispositionApplied, rec.settles[0].Disposition)
	assert.Equal(t, int64(100), rec.settles[0].Refunded)
	assert.Equal(t, ce.StatusFailed, rec.settles[0].Status)
	assert.Equal(t, ce.DispositionDuplicate, rec.settles[1].Disposition)
	assert.Equal(t, ce.DispositionUnknown, rec.settles[2].Disposition)
}
