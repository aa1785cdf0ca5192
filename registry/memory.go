// Package registry provides JobRegistry implementations for creditengine.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	ce "github.com/ineyio/creditengine"
)

// Memory is an in-memory JobRegistry and OrphanLog.
type Memory struct {
	mu         sync.RWMutex
	jobs       map[string]*ce.Job
	byExternal map[string]string // external request id -> job id
	orphans    []ce.Orphan
}

var (
	_ ce.JobRegistry = (*Memory)(nil)
	_ ce.OrphanLog   = (*Memory)(nil)
)

// NewMemory creates a new in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*ce.Job),
		byExternal: make(map[string]string),
	}
}

// Create stores job in StatusReserved.
func (m *Memory) Create(_ context.Context, job ce.Job) (ce.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byExternal[job.ExternalRequestID]; ok {
		return ce.Job{}, ce.ErrDuplicateJob
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.Status = ce.StatusReserved

	stored := job
	m.jobs[job.ID] = &stored
	m.byExternal[job.ExternalRequestID] = job.ID
	return stored, nil
}

// Get returns a job by id.
func (m *Memory) Get(_ context.Context, jobID string) (ce.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ce.Job{}, ce.ErrJobNotFound
	}
	return *j, nil
}

// FindByExternalRequestID returns a job by provider request id.
func (m *Memory) FindByExternalRequestID(_ context.Context, externalRequestID string) (ce.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalRequestID]
	if !ok {
		return ce.Job{}, ce.ErrJobNotFound
	}
	return *m.jobs[id], nil
}

// UpdateStatus moves a reserved job to a terminal status.
func (m *Memory) UpdateStatus(_ context.Context, jobID string, status ce.JobStatus, result ce.JobResult) (ce.Job, bool, error) {
	if err := ce.CheckTransition(status); err != nil {
		return ce.Job{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ce.Job{}, false, ce.ErrJobNotFound
	}
	if j.Status != ce.StatusReserved {
		return *j, false, nil
	}

	j.Status = status
	j.ArtifactURL = result.ArtifactURL
	j.FailureReason = result.FailureReason
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

// Delete removes a reserved job.
func (m *Memory) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ce.ErrJobNotFound
	}
	if j.Status != ce.StatusReserved {
		return ce.ErrInvalidTransition
	}
	delete(m.byExternal, j.ExternalRequestID)
	delete(m.jobs, jobID)
	return nil
}

// ListByOwner returns the user's jobs, newest first.
func (m *Memory) ListByOwner(_ context.Context, userID string, limit int) ([]ce.Job, error) {
	m.mu.RLock()
	var out []ce.Job
	for _, j := range m.jobs {
		if j.OwnerUserID == userID {
			out = append(out, *j)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return truncate(out, limit), nil
}

// ListStale returns reserved jobs created before the cutoff, oldest first.
func (m *Memory) ListStale(_ context.Context, before time.Time, limit int) ([]ce.Job, error) {
	m.mu.RLock()
	var out []ce.Job
	for _, j := range m.jobs {
		if j.Status == ce.StatusReserved && j.CreatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return truncate(out, limit), nil
}

// Record appends an orphan to the dead-letter log.
func (m *Memory) Record(_ context.Context, o ce.Orphan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.orphans = append(m.orphans, o)
	return nil
}

// List returns recorded orphans, newest first.
func (m *Memory) List(_ context.Context, limit int) ([]ce.Orphan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ce.Orphan, 0, len(m.orphans))
	for i := len(m.orphans) - 1; i >= 0; i-- {
		out = append(out, m.orphans[i])
	}
	return truncate(out, limit), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
