package creditengine

import (
	"context"
	"time"
)

// JobRegistry records submitted paid work.
//
// ExternalRequestID is unique; it is the only key webhooks carry.
type JobRegistry interface {
	// Create persists a new job in StatusReserved.
	// Returns ErrDuplicateJob if the external request id is already tracked.
	Create(ctx context.Context, job Job) (Job, error)

	// Get returns a job by id or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (Job, error)

	// FindByExternalRequestID returns a job by provider id or ErrJobNotFound.
	FindByExternalRequestID(ctx context.Context, externalRequestID string) (Job, error)

	// UpdateStatus moves a reserved job to a terminal status. If the job is
	// already terminal it is returned unchanged with changed=false.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, result JobResult) (job Job, changed bool, err error)

	// Delete removes a job. Only used to roll back a failed submission.
	Delete(ctx context.Context, jobID string) error

	// ListByOwner returns a user's jobs, newest first.
	ListByOwner(ctx context.Context, userID string, limit int) ([]Job, error)

	// ListStale returns reserved jobs created before the cutoff, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Job, error)
}

// OrphanLog is a dead-letter log of untracked external jobs.
type OrphanLog interface {
	Record(ctx context.Context, o Orphan) error
	List(ctx context.Context, limit int) ([]Orphan, error)
}

// CheckTransition validates a status update target.
func CheckTransition(to JobStatus) error {
	if !to.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}
