package creditengine_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
)

func bundle(userID string, cost int64, items int) ce.BundleRequest {
	return ce.BundleRequest{UserID: userID, Cost: cost, Items: items}
}

// bundleSubmit accepts the indexes in ok and fails the rest.
func bundleSubmit(ok ...int) ce.BundleSubmitFunc {
	accept := make(map[int]bool, len(ok))
	for _, i := range ok {
		accept[i] = true
	}
	return func(_ context.Context, index int, _ string) (string, error) {
		if !accept[index] {
			return "", errors.New("provider rejected item " + strconv.Itoa(index))
		}
		return "req-" + strconv.Itoa(index), nil
	}
}

func TestReserveBundle_AllSucceed(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 500)

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 100, 3), bundleSubmit(0, 1, 2))
	require.NoError(t, err)

	assert.NotEmpty(t, res.BundleID)
	require.Len(t, res.Jobs, 3)
	assert.Empty(t, res.Failed)
	assert.Zero(t, res.Orphaned)
	assert.Equal(t, int64(400), e.balance(t, "user1"))
	assert.Equal(t, int64(1), e.ledger.debits.Load(), "bundle reserves once")

	var total int64
	for _, j := range res.Jobs {
		assert.Equal(t, res.BundleID, j.BundleID)
		assert.Equal(t, ce.KindPackImage, j.Kind)
		total += j.ReservedCredits
	}
	assert.Equal(t, int64(100), total)
}

// Partial success keeps the full charge.
func TestReserveBundle_PartialSuccessChargesFullCost(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 200)

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 50, 3), bundleSubmit(1))
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "req-1", res.Jobs[0].ExternalRequestID)
	assert.Equal(t, int64(50), res.Jobs[0].ReservedCredits)

	require.Len(t, res.Failed, 2)
	assert.Equal(t, 0, res.Failed[0].Index)
	assert.Equal(t, 2, res.Failed[1].Index)

	assert.Equal(t, int64(150), e.balance(t, "user1"))
	assert.Zero(t, e.ledger.credits.Load())
}

// A later failure webhook refunds only that job's share.
func TestReserveBundle_FailedItemRefundsShare(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 100)
	ctx := context.Background()

	res, err := e.coord.ReserveBundle(ctx, bundle("user1", 100, 3), bundleSubmit(0, 1, 2))
	require.NoError(t, err)
	require.Len(t, res.Jobs, 3)
	assert.Equal(t, int64(0), e.balance(t, "user1"))

	var share int64
	for _, j := range res.Jobs {
		if j.ExternalRequestID == "req-2" {
			share = j.ReservedCredits
		}
	}
	require.Equal(t, ce.DispositionApplied, e.recon.OnProviderEvent(ctx, "req-2", ce.Failed("timeout")))
	assert.Equal(t, share, e.balance(t, "user1"))
}

func TestReserveBundle_AllFailRefunds(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 200)

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 50, 3), bundleSubmit())
	require.Error(t, err)
	assert.ErrorIs(t, err, ce.ErrSubmissionFailed)

	var se *ce.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Refunded)
	assert.Len(t, res.Failed, 3)
	assert.Empty(t, res.Jobs)

	assert.Equal(t, int64(200), e.balance(t, "user1"))
	jobs, _ := e.registry.ListByOwner(context.Background(), "user1", 0)
	assert.Empty(t, jobs)
}

func TestReserveBundle_InsufficientCredits(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 49)

	var calls atomic.Int64
	_, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 50, 3),
		func(context.Context, int, string) (string, error) {
			calls.Add(1)
			return "req", nil
		})
	assert.ErrorIs(t, err, ce.ErrInsufficientCredits)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(49), e.balance(t, "user1"))
}

func TestReserveBundle_PersistenceFailure(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 300)
	e.registry.failCreate = func(j ce.Job) bool { return j.ExternalRequestID == "req-0" }

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 300, 3), bundleSubmit(0, 1, 2))
	require.NoError(t, err)

	assert.Len(t, res.Jobs, 2)
	assert.Equal(t, 1, res.Orphaned)

	// req-0 carried the first share: 100.
	assert.Equal(t, int64(100), e.balance(t, "user1"))
	orphans := e.orphans(t)
	require.Len(t, orphans, 1)
	assert.Equal(t, "req-0", orphans[0].ExternalRequestID)
	assert.Equal(t, ce.KindPackImage, orphans[0].Kind)
	assert.True(t, orphans[0].Refunded)
}

func TestReserveBundle_EveryRowLost(t *testing.T) {
	e := newEngine(t)
	e.fund(t, "user1", 300)
	e.registry.failCreate = func(ce.Job) bool { return true }

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 300, 2), bundleSubmit(0, 1))
	assert.ErrorIs(t, err, ce.ErrPersistenceFailed)
	assert.Equal(t, 2, res.Orphaned)
	assert.Len(t, e.orphans(t), 2)
	assert.Equal(t, int64(300), e.balance(t, "user1"))
}

func TestReserveBundle_FreePack(t *testing.T) {
	e := newEngine(t)

	res, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 0, 2), bundleSubmit(0, 1))
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 2)
	for _, j := range res.Jobs {
		assert.Zero(t, j.ReservedCredits)
	}
	assert.Zero(t, e.ledger.debits.Load())
}

func TestReserveBundle_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.coord.ReserveBundle(ctx, bundle("user1", 10, 0), bundleSubmit())
	assert.ErrorIs(t, err, ce.ErrInvalidRequest)

	_, err = e.coord.ReserveBundle(ctx, bundle("", 10, 1), bundleSubmit())
	assert.ErrorIs(t, err, ce.ErrInvalidRequest)

	_, err = e.coord.ReserveBundle(ctx, bundle("user1", -1, 1), bundleSubmit())
	assert.ErrorIs(t, err, ce.ErrInvalidRequest)
}

func TestReserveBundle_ConcurrencyLimit(t *testing.T) {
	e := newEngine(t, ce.WithBundleConcurrency(2))
	e.fund(t, "user1", 100)

	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.coord.ReserveBundle(context.Background(), bundle("user1", 100, 6),
			func(_ context.Context, i int, _ string) (string, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				inFlight.Add(-1)
				return "req-" + strconv.Itoa(i), nil
			})
		assert.NoError(t, err)
	}()

	close(release)
	<-done
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestAllocateBundle(t *testing.T) {
	assert.Equal(t, []int64{34, 33, 33}, ce.AllocateBundle(100, 3))
	assert.Equal(t, []int64{50}, ce.AllocateBundle(50, 1))
	assert.Equal(t, []int64{0, 0}, ce.AllocateBundle(0, 2))
	assert.Equal(t, []int64{1, 0, 0}, ce.AllocateBundle(1, 3))
	assert.Nil(t, ce.AllocateBundle(10, 0))
}

func TestReserveBundle_CallerGoneAfterAccept(t *testing.T) {
	e := newSQLEngine(t)
	require.NoError(t, e.ledger.Ensure(context.Background(), "user1", 500))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := e.coord.ReserveBundle(ctx, bundle("user1", 300, 3),
		func(_ context.Context, i int, _ string) (string, error) {
			cancel()
			return "fal-req-" + strconv.Itoa(i), nil
		})
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 3)
	assert.Zero(t, res.Orphaned)

	bg := context.Background()
	n, err := e.ledger.Balance(bg, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)

	for i := range 3 {
		job, err := e.registry.FindByExternalRequestID(bg, "fal-req-"+strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, res.BundleID, job.BundleID)
	}
}

func TestReserveBundle_CircuitOpenReservesNothing(t *testing.T) {
	ht := ce.NewHealthTracker()
	for range 3 {
		ht.RecordFailure("fal")
	}
	e := newEngine(t, ce.WithHealthTracker(ht))
	e.fund(t, "user1", 300)

	req := bundle("user1", 300, 3)
	req.Provider = "fal"
	_, err := e.coord.ReserveBundle(context.Background(), req, bundleSubmit(0, 1, 2))
	assert.ErrorIs(t, err, ce.ErrProviderUnavailable)
	assert.Zero(t, e.ledger.debits.Load())
	assert.Zero(t, e.ledger.credits.Load())
	assert.Equal(t, int64(300), e.balance(t, "user1"))
}
