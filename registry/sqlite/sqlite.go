// Package sqlite provides a SQLite-backed JobRegistry and OrphanLog for
// creditengine. Open the database with the ledger/sqlite Open helper so both
// stores share one connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ce "github.com/ineyio/creditengine"
)

// Store is a SQLite-backed JobRegistry.
type Store struct {
	db          *sql.DB
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

// New creates a new SQLite-backed JobRegistry.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
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

// Migrations returns the schema statements, one per Exec.
func (s *Store) Migrations() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                  TEXT PRIMARY KEY,
			external_request_id TEXT NOT NULL UNIQUE,
			owner_user_id       TEXT NOT NULL,
			kind                TEXT NOT NULL,
			reserved_credits    INTEGER NOT NULL CHECK (reserved_credits >= 0),
			status              TEXT NOT NULL DEFAULT 'reserved',
			bundle_id           TEXT NOT NULL DEFAULT '',
			artifact_url        TEXT NOT NULL DEFAULT '',
			failure_reason      TEXT NOT NULL DEFAULT '',
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		)`, s.jobsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s(owner_user_id, created_at)`, s.jobsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s(status, created_at)`, s.jobsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			external_request_id TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			kind                TEXT NOT NULL,
			credits             INTEGER NOT NULL,
			refunded            INTEGER NOT NULL,
			reason              TEXT NOT NULL,
			created_at          INTEGER NOT NULL
		)`, s.orphansTable()),
	}
}

// EnsureSchema runs Migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creditengine/sqlite: ensure schema: %w", err)
		}
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

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (external_request_id) DO NOTHING`, s.jobsTable(), jobColumns),
		job.ID, job.ExternalRequestID, job.OwnerUserID, string(job.Kind), job.ReservedCredits,
		string(job.Status), job.BundleID, job.ArtifactURL, job.FailureReason,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return ce.Job{}, fmt.Errorf("creditengine/sqlite: create job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ce.Job{}, fmt.Errorf("creditengine/sqlite: create job rows: %w", err)
	}
	if n == 0 {
		return ce.Job{}, ce.ErrDuplicateJob
	}
	return job, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (ce.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.jobsTable()),
		jobID,
	)
	return scanOne(row, "get job")
}

// FindByExternalRequestID returns a job by provider request id.
func (s *Store) FindByExternalRequestID(ctx context.Context, externalRequestID string) (ce.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE external_request_id = ?`, jobColumns, s.jobsTable()),
		externalRequestID,
	)
	return scanOne(row, "find job")
}

// UpdateStatus moves a reserved job to a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status ce.JobStatus, result ce.JobResult) (ce.Job, bool, error) {
	if err := ce.CheckTransition(status); err != nil {
		return ce.Job{}, false, err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = ?, artifact_url = ?, failure_reason = ?, updated_at = ?
			WHERE id = ? AND status = 'reserved'`, s.jobsTable()),
		string(status), result.ArtifactURL, result.FailureReason, time.Now().UTC().UnixNano(), jobID,
	)
	if err != nil {
		return ce.Job{}, false, fmt.Errorf("creditengine/sqlite: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ce.Job{}, false, fmt.Errorf("creditengine/sqlite: update status rows: %w", err)
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return ce.Job{}, false, err
	}
	return job, n == 1, nil
}

// Delete removes a job that is still reserved.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status = 'reserved'`, s.jobsTable()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: delete job rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return ce.ErrInvalidTransition
}

// ListByOwner returns the user's jobs, newest first.
func (s *Store) ListByOwner(ctx context.Context, userID string, limit int) ([]ce.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE owner_user_id = ? ORDER BY created_at DESC LIMIT ?`,
			jobColumns, s.jobsTable()),
		userID, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/sqlite: list jobs: %w", err)
	}
	return scanAll(rows)
}

// ListStale returns reserved jobs created before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]ce.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'reserved' AND created_at < ?
			ORDER BY created_at LIMIT ?`, jobColumns, s.jobsTable()),
		before.UTC().UnixNano(), sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/sqlite: list stale: %w", err)
	}
	return scanAll(rows)
}

// Record appends an orphan to the dead-letter table.
func (s *Store) Record(ctx context.Context, o ce.Orphan) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (external_request_id, user_id, kind, credits, refunded, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, s.orphansTable()),
		o.ExternalRequestID, o.UserID, string(o.Kind), o.Credits, o.Refunded, o.Reason, o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("creditengine/sqlite: record orphan: %w", err)
	}
	return nil
}

// List returns recorded orphans, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]ce.Orphan, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT external_request_id, user_id, kind, credits, refunded, reason, created_at
			FROM %s ORDER BY id DESC LIMIT ?`, s.orphansTable()),
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("creditengine/sqlite: list orphans: %w", err)
	}
	defer rows.Close()

	var out []ce.Orphan
	for rows.Next() {
		var o ce.Orphan
		var kind string
		var created int64
		if err := rows.Scan(&o.ExternalRequestID, &o.UserID, &kind, &o.Credits, &o.Refunded, &o.Reason, &created); err != nil {
			return nil, fmt.Errorf("creditengine/sqlite: scan orphan: %w", err)
		}
		o.Kind = ce.JobKind(kind)
		o.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner, op string) (ce.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ce.Job{}, ce.ErrJobNotFound
	}
	if err != nil {
		return ce.Job{}, fmt.Errorf("creditengine/sqlite: %s: %w", op, err)
	}
	return job, nil
}

func scanAll(rows *sql.Rows) ([]ce.Job, error) {
	defer rows.Close()

	var out []ce.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("creditengine/sqlite: scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditengine/sqlite: rows: %w", err)
	}
	return out, nil
}

func scanJob(row scanner) (ce.Job, error) {
	var j ce.Job
	var kind, status string
	var created, updated int64
	err := row.Scan(&j.ID, &j.ExternalRequestID, &j.OwnerUserID, &kind, &j.ReservedCredits, &status,
		&j.BundleID, &j.ArtifactURL, &j.FailureReason, &created, &updated)
	if err != nil {
		return ce.Job{}, err
	}
	j.Kind = ce.JobKind(kind)
	j.Status = ce.JobStatus(status)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return j, nil
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
