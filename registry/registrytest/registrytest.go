// Package registrytest is a behavioural test suite shared by every
// JobRegistry backend.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
)

// Store is a registry that also keeps the orphan log, as all backends do.
type Store interface {
	ce.JobRegistry
	ce.OrphanLog
}

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("DuplicateExternalID", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("UpdateStatusOnce", func(t *testing.T) { testUpdateStatusOnce(t, newStore(t)) })
	t.Run("UpdateStatusRejectsReserved", func(t *testing.T) { testUpdateStatusRejectsReserved(t, newStore(t)) })
	t.Run("ConcurrentUpdateStatus", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("DeleteOnlyReserved", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, newStore(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStore(t)) })
	t.Run("Orphans", func(t *testing.T) { testOrphans(t, newStore(t)) })
}

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newJob(n int, owner string) ce.Job {
	return ce.Job{
		ID:                fmt.Sprintf("job-%d", n),
		ExternalRequestID: fmt.Sprintf("req-%d", n),
		OwnerUserID:       owner,
		Kind:              ce.KindSingleImage,
		ReservedCredits:   100,
		Status:            ce.StatusReserved,
		CreatedAt:         base.Add(time.Duration(n) * time.Minute),
	}
}

func testCreateAndLookup(t *testing.T, s Store) {
	ctx := context.Background()

	job := newJob(1, "user1")
	job.BundleID = "bundle-1"
	created, err := s.Create(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ce.StatusReserved, created.Status)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ExternalRequestID)
	assert.Equal(t, "user1", got.OwnerUserID)
	assert.Equal(t, ce.KindSingleImage, got.Kind)
	assert.Equal(t, int64(100), got.ReservedCredits)
	assert.Equal(t, "bundle-1", got.BundleID)
	assert.True(t, got.CreatedAt.Equal(job.CreatedAt), "created_at round trip: %v", got.CreatedAt)

	byExt, err := s.FindByExternalRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", byExt.ID)
}

func testDuplicate(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)

	dup := newJob(2, "user1")
	dup.ExternalRequestID = "req-1"
	_, err = s.Create(ctx, dup)
	assert.ErrorIs(t, err, ce.ErrDuplicateJob)

	_, err = s.Get(ctx, "job-2")
	assert.ErrorIs(t, err, ce.ErrJobNotFound)
}

func testNotFound(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ce.ErrJobNotFound)
	_, err = s.FindByExternalRequestID(ctx, "missing")
	assert.ErrorIs(t, err, ce.ErrJobNotFound)
	_, _, err = s.UpdateStatus(ctx, "missing", ce.StatusCompleted, ce.JobResult{})
	assert.ErrorIs(t, err, ce.ErrJobNotFound)
}

func testUpdateStatusOnce(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)

	job, changed, err := s.UpdateStatus(ctx, "job-1", ce.StatusCompleted, ce.JobResult{ArtifactURL: "https://cdn/a.png"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ce.StatusCompleted, job.Status)
	assert.Equal(t, "https://cdn/a.png", job.ArtifactURL)

	// A later, contradicting delivery does not move a terminal job.
	job, changed, err = s.UpdateStatus(ctx, "job-1", ce.StatusFailed, ce.JobResult{FailureReason: "late"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, ce.StatusCompleted, job.Status)
	assert.Empty(t, job.FailureReason)
}

func testUpdateStatusRejectsReserved(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)

	_, _, err = s.UpdateStatus(ctx, "job-1", ce.StatusReserved, ce.JobResult{})
	assert.ErrorIs(t, err, ce.ErrInvalidTransition)
}

func testConcurrentUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var changedCount atomic.Int64
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := ce.StatusFailed
			if i%2 == 0 {
				status = ce.StatusCompleted
			}
			_, changed, err := s.UpdateStatus(ctx, "job-1", status, ce.JobResult{FailureReason: "x"})
			if err == nil && changed {
				changedCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), changedCount.Load())
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)
	_, err = s.Create(ctx, newJob(2, "user1"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err = s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ce.ErrJobNotFound)

	// The external id is free again once the reservation is voided.
	_, err = s.Create(ctx, newJob(1, "user1"))
	require.NoError(t, err)

	_, _, err = s.UpdateStatus(ctx, "job-2", ce.StatusFailed, ce.JobResult{FailureReason: "boom"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, "job-2"), ce.ErrInvalidTransition)

	assert.ErrorIs(t, s.Delete(ctx, "missing"), ce.ErrJobNotFound)
}

func testListByOwner(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.Create(ctx, newJob(i, "user1"))
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, newJob(4, "user2"))
	require.NoError(t, err)

	jobs, err := s.ListByOwner(ctx, "user1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-3", jobs[0].ID)
	assert.Equal(t, "job-1", jobs[2].ID)

	jobs, err = s.ListByOwner(ctx, "user1", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.ListByOwner(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testListStale(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := s.Create(ctx, newJob(i, "user1"))
		require.NoError(t, err)
	}
	_, _, err := s.UpdateStatus(ctx, "job-2", ce.StatusCompleted, ce.JobResult{ArtifactURL: "u"})
	require.NoError(t, err)

	// job-4 is newer than the cutoff; job-2 is terminal.
	jobs, err := s.ListStale(ctx, base.Add(4*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-3", jobs[1].ID)
}

func testOrphans(t *testing.T, s Store) {
	ctx := context.Background()

	orphans, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Record(ctx, ce.Orphan{
			ExternalRequestID: fmt.Sprintf("req-%d", i),
			UserID:            "user1",
			Kind:              ce.KindPackImage,
			Credits:           int64(i * 10),
			Refunded:          i != 2,
			Reason:            "insert failed",
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		}))
	}

	orphans, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, "req-3", orphans[0].ExternalRequestID)
	assert.Equal(t, "req-2", orphans[1].ExternalRequestID)
	assert.False(t, orphans[1].Refunded)
	assert.Equal(t, int64(20), orphans[1].Credits)
	assert.Equal(t, ce.KindPackImage, orphans[1].Kind)
}
