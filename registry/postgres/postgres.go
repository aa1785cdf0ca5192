// Package postgres provides a PostgreSQL-backed JobRegistry and OrphanLog
// for creditengine.
//
// Status transitions are conditional updates on status = 'reserved', so a
// job leaves the reserved state exactly once no matter how many webhook
// deliveries race for it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ce "github.com/ineyio/creditengine"
)

// Store is a PostgreSQL-backed JobRegistry.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ ce.JobRegistry = (*Store)(nil)
	_ ce.OrphanLog   = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditengine_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed JobRegistry.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditengine_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jobsTable() string    { return s.tablePrefix + "jobs" }
func (s *Store) orphansTable() string { return s.tablePrefix + "orphans" }

const jobColumns = `id, external_request_id, owner_user_id, kind, reserved_credits, status,
	bundle_id, artifact_url, failure_reason, created_at, updated_at`

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			external_request_id TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			reserved_credits BIGINT NOT NULL CHECK (reserved_credits >= 0),
			status TEXT NOT NULL DEFAULT 'reserved',
			bundle_id TEXT NOT NULL DEFAULT '',
			artifact_url TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (owner_user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS %[1]s_reserved_idx ON %[1]s (created_at) WHERE status = 'reserved';
		CREATE TABLE IF NOT EXISTS %[2]s (
			id BIGSERIAL PRIMARY KEY,
			external_request_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			credits BIGINT NOT NULL,
			refunded BOOLEAN NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.jobsTable(), s.orphansTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: ensure schema: %w", err)
	}
	return nil
}

// Create inserts job in StatusReserved.
func (s *Store) Create(ctx context.Context, job ce.Job) (ce.Job, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	job.Status = ce.StatusReserved

	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (external_request_id) DO NOTHING
			RETURNING true`, s.jobsTable(), jobColumns),
		job.ID, job.ExternalRequestID, job.OwnerUserID, string(job.Kind), job.ReservedCredits,
		string(job.Status), job.BundleID, job.ArtifactURL, job.FailureReason, job.CreatedAt, job.UpdatedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ce.Job{}, ce.ErrDuplicateJob
	}
	if err != nil {
		return ce.Job{}, fmt.Errorf("creditengine/postgres: create job: %w", err)
	}
	return job, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (ce.Job, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobsTable()),
		jobID,
	)
	return s.scanOne(row, "get job")
}

// FindByExternalRequestID returns a job by provider request id.
func (s *Store) FindByExternalRequestID(ctx context.Context, externalRequestID string) (ce.Job, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE external_request_id = $1`, jobColumns, s.jobsTable()),
		externalRequestID,
	)
	return s.scanOne(row, "find job")
}

// UpdateStatus moves a reserved job to a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status ce.JobStatus, result ce.JobResult) (ce.Job, bool, error) {
	if err := ce.CheckTransition(status); err != nil {
		return ce.Job{}, false, err
	}

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $2, artifact_url = $3, failure_reason = $4, updated_at = now()
			WHERE id = $1 AND status = 'reserved'
			RETURNING %s`, s.jobsTable(), jobColumns),
		jobID, string(status), result.ArtifactURL, result.FailureReason,
	)
	job, err := s.scanOne(row, "update status")
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, ce.ErrJobNotFound) {
		return ce.Job{}, false, err
	}

	// Not reserved any more, or gone.
	existing, err := s.Get(ctx, jobID)
	if err != nil {
		return ce.Job{}, false, err
	}
	return existing, false, nil
}

// Delete removes a job that is still reserved.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'reserved'`, s.jobsTable()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return ce.ErrInvalidTransition
}

// ListByOwner returns the user's jobs, newest first.
func (s *Store) ListByOwner(ctx context.Context, userID string, limit int) ([]ce.Job, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE owner_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
			jobColumns, s.jobsTable()),
		userID, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/postgres: list jobs: %w", err)
	}
	return s.scanAll(rows)
}

// ListStale returns reserved jobs created before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]ce.Job, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'reserved' AND created_at < $1
			ORDER BY created_at LIMIT $2`, jobColumns, s.jobsTable()),
		before, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/postgres: list stale: %w", err)
	}
	return s.scanAll(rows)
}

// Record appends an orphan to the dead-letter table.
func (s *Store) Record(ctx context.Context, o ce.Orphan) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (external_request_id, user_id, kind, credits, refunded, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.orphansTable()),
		o.ExternalRequestID, o.UserID, string(o.Kind), o.Credits, o.Refunded, o.Reason, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditengine/postgres: record orphan: %w", err)
	}
	return nil
}

// List returns recorded orphans, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]ce.Orphan, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT external_request_id, user_id, kind, credits, refunded, reason, created_at
			FROM %s ORDER BY id DESC LIMIT $1`, s.orphansTable()),
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/postgres: list orphans: %w", err)
	}
	defer rows.Close()

	var out []ce.Orphan
	for rows.Next() {
		var o ce.Orphan
		var kind string
		if err := rows.Scan(&o.ExternalRequestID, &o.UserID, &kind, &o.Credits, &o.Refunded, &o.Reason, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditengine/postgres: scan orphan: %w", err)
		}
		o.Kind = ce.JobKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) scanOne(row pgx.Row, op string) (ce.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ce.Job{}, ce.ErrJobNotFound
	}
	if err != nil {
		return ce.Job{}, fmt.Errorf("creditengine/postgres: %s: %w", op, err)
	}
	return job, nil
}

func (s *Store) scanAll(rows pgx.Rows) ([]ce.Job, error) {
	defer rows.Close()

	var out []ce.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("creditengine/postgres: scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditengine/postgres: rows: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (ce.Job, error) {
	var j ce.Job
	var kind, status string
	err := row.Scan(&j.ID, &j.ExternalRequestID, &j.OwnerUserID, &kind, &j.ReservedCredits, &status,
		&j.BundleID, &j.ArtifactURL, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return ce.Job{}, err
	}
	j.Kind = ce.JobKind(kind)
	j.Status = ce.JobStatus(status)
	return j, nil
}

// sqlLimit maps a non-positive limit to "no limit".
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
