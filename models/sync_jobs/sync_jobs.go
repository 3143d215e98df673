// Logic for interacting with the "sync_jobs" table.
package sync_jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shyp/go-dberror"
	"github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/gavelhq/docket/models"
	"github.com/lib/pq"
)

const Prefix = "sync_"

// ErrNotFound indicates that the sync job was not found, or that a
// conditional update matched no row because another invocation got there
// first.
var ErrNotFound = errors.New("Sync job not found")

// ErrDuplicate indicates an active job for the same (type, scope) already
// exists and the rejecting enqueue policy is in effect.
var ErrDuplicate = errors.New("A job for this type and scope is already queued")

func init() {
	dberror.RegisterConstraint(attemptsConstraint)
	dberror.RegisterConstraint(priorityConstraint)
}

var attemptsConstraint = &dberror.Constraint{
	Name: "sync_jobs_attempts_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "The number of attempts cannot exceed max_attempts",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

var priorityConstraint = &dberror.Constraint{
	Name: "sync_jobs_priority_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "Priority must be zero or a positive number",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

// A Store runs queries against the sync_jobs table. All updates that move a
// job between statuses are conditional on the current status, so a lost race
// touches zero rows and surfaces as ErrNotFound rather than overwriting
// another invocation's transition.
type Store struct {
	db *sql.DB

	coalesceStmt      *sql.Stmt
	insertStmt        *sql.Stmt
	getStmt           *sql.Stmt
	acquireStmt       *sql.Stmt
	succeedStmt       *sql.Stmt
	partialStmt       *sql.Stmt
	failStmt          *sql.Stmt
	failTerminalStmt  *sql.Stmt
	cancelPendingStmt *sql.Stmt
	flagRunningStmt   *sql.Stmt
	cancelByIDStmt    *sql.Stmt
	reclaimStmt       *sql.Stmt
	deleteOldStmt     *sql.Stmt
	listStmt          *sql.Stmt
	countsStmt        *sql.Stmt
	cancelFlagStmt    *sql.Stmt
}

// New prepares all sync_jobs queries against the given connection.
func New(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("sync_jobs: nil database connection")
	}
	s := &Store{db: conn}

	var err error
	prepare := func(stmt **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*stmt, err = conn.Prepare(query)
	}

	// The ON CONFLICT target is the partial unique index on (job_type,
	// scope) over active rows, so two racing enqueues for the same scope
	// resolve to a single row. GREATEST keeps a coalesced job at the
	// higher of the two priorities.
	prepare(&s.coalesceStmt, fmt.Sprintf(`-- sync_jobs.Enqueue
INSERT INTO sync_jobs (%s)
VALUES ($1, $2, $3, '%s', $4, $5, 0, $6, now())
ON CONFLICT (job_type, scope) WHERE status IN ('%s', '%s')
DO UPDATE SET priority = GREATEST(sync_jobs.priority, EXCLUDED.priority),
	updated_at = now()
RETURNING %s`, insertFields(), models.StatusPending, models.StatusPending,
		models.StatusRunning, fields()))

	prepare(&s.insertStmt, fmt.Sprintf(`-- sync_jobs.EnqueueStrict
INSERT INTO sync_jobs (%s)
VALUES ($1, $2, $3, '%s', $4, $5, 0, $6, now())
ON CONFLICT (job_type, scope) WHERE status IN ('%s', '%s')
DO NOTHING
RETURNING %s`, insertFields(), models.StatusPending, models.StatusPending,
		models.StatusRunning, fields()))

	prepare(&s.getStmt, fmt.Sprintf(`-- sync_jobs.Get
SELECT %s
FROM sync_jobs
WHERE id = $1`, fields()))

	// Select-and-transition in one statement. The NOT EXISTS clause
	// enforces lane exclusivity: a type with a running job yields no
	// candidate. The outer status guard re-checks the row in case another
	// invocation acquired it between the SELECT and the UPDATE.
	prepare(&s.acquireStmt, fmt.Sprintf(`-- sync_jobs.Acquire
WITH candidate AS (
	SELECT id AS inner_id
	FROM sync_jobs
	WHERE status='%[1]s'
		AND next_eligible_at <= now()
		AND NOT EXISTS (
			SELECT 1 FROM sync_jobs lane
			WHERE lane.status='%[2]s'
			AND lane.job_type = sync_jobs.job_type
		)
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE
) UPDATE sync_jobs
SET status='%[2]s',
	started_at=now(),
	updated_at=now()
FROM candidate
WHERE sync_jobs.id = candidate.inner_id
	AND status='%[1]s'
RETURNING %[3]s`, models.StatusPending, models.StatusRunning, fields()))

	prepare(&s.succeedStmt, fmt.Sprintf(`-- sync_jobs.MarkSucceeded
UPDATE sync_jobs
SET status='%s',
	cursor='',
	last_error='',
	completed_at=now(),
	updated_at=now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusSucceeded, models.StatusRunning, fields()))

	// A partial slice goes straight back to pending with no backoff;
	// partial progress is expected, not a failed attempt. If a cancel was
	// requested while the slice ran, the job lands in cancelled instead,
	// keeping the cursor for audit.
	prepare(&s.partialStmt, fmt.Sprintf(`-- sync_jobs.MarkPartial
UPDATE sync_jobs
SET status = CASE WHEN cancel_requested THEN '%s' ELSE '%s' END,
	completed_at = CASE WHEN cancel_requested THEN now() ELSE completed_at END,
	cursor = $2,
	next_eligible_at = now(),
	updated_at = now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusCancelled, models.StatusPending,
		models.StatusRunning, fields()))

	// The attempts guard mirrors the one on queued-job decrements: if the
	// stored counter no longer matches what the caller saw at acquire
	// time, someone else already recorded this failure.
	prepare(&s.failStmt, fmt.Sprintf(`-- sync_jobs.MarkFailed
UPDATE sync_jobs
SET status='%s',
	attempts = attempts + 1,
	last_error = $3,
	next_eligible_at = $4,
	updated_at = now()
WHERE id = $1
	AND attempts = $2
	AND status='%s'
RETURNING %s`, models.StatusPending, models.StatusRunning, fields()))

	prepare(&s.failTerminalStmt, fmt.Sprintf(`-- sync_jobs.MarkFailedTerminal
UPDATE sync_jobs
SET status='%s',
	attempts = LEAST(attempts + 1, max_attempts),
	last_error = $3,
	completed_at = now(),
	updated_at = now()
WHERE id = $1
	AND attempts = $2
	AND status='%s'
RETURNING %s`, models.StatusFailed, models.StatusRunning, fields()))

	prepare(&s.cancelPendingStmt, fmt.Sprintf(`-- sync_jobs.CancelPending
UPDATE sync_jobs
SET status='%s',
	completed_at=now(),
	updated_at=now()
WHERE status='%s'
	AND ($1 = '' OR job_type = $1)
	AND ($2 = '' OR scope = $2)`, models.StatusCancelled, models.StatusPending))

	prepare(&s.flagRunningStmt, fmt.Sprintf(`-- sync_jobs.FlagRunning
UPDATE sync_jobs
SET cancel_requested=true,
	updated_at=now()
WHERE status='%s'
	AND ($1 = '' OR job_type = $1)
	AND ($2 = '' OR scope = $2)`, models.StatusRunning))

	prepare(&s.cancelByIDStmt, fmt.Sprintf(`-- sync_jobs.CancelByID
UPDATE sync_jobs
SET status = CASE WHEN status='%[1]s' THEN '%[2]s' ELSE status END,
	completed_at = CASE WHEN status='%[1]s' THEN now() ELSE completed_at END,
	cancel_requested = CASE WHEN status='%[3]s' THEN true ELSE cancel_requested END,
	updated_at = now()
WHERE id = $1
	AND status IN ('%[1]s', '%[3]s')
RETURNING %[4]s`, models.StatusPending, models.StatusCancelled,
		models.StatusRunning, fields()))

	// started_at, not updated_at: a healthy slice bumps updated_at on
	// every transition but started_at only changes at acquire time, so a
	// crashed invocation cannot mask its own staleness.
	prepare(&s.reclaimStmt, fmt.Sprintf(`-- sync_jobs.ReclaimStale
UPDATE sync_jobs
SET status='%s',
	next_eligible_at=now(),
	updated_at=now()
WHERE status='%s'
	AND started_at < $1`, models.StatusPending, models.StatusRunning))

	prepare(&s.deleteOldStmt, fmt.Sprintf(`-- sync_jobs.DeleteTerminal
DELETE FROM sync_jobs
WHERE status IN ('%s', '%s', '%s')
	AND completed_at < $1`, models.StatusSucceeded, models.StatusFailed,
		models.StatusCancelled))

	prepare(&s.listStmt, fmt.Sprintf(`-- sync_jobs.List
SELECT %s
FROM sync_jobs
WHERE ($1 = '' OR status = $1)
	AND ($2 = '' OR job_type = $2)
	AND ($3 = '' OR scope = $3)
ORDER BY created_at DESC
LIMIT $4`, fields()))

	prepare(&s.countsStmt, `-- sync_jobs.CountsByStatus
SELECT status, count(*) FROM sync_jobs GROUP BY status`)

	prepare(&s.cancelFlagStmt, `-- sync_jobs.IsCancelRequested
SELECT cancel_requested FROM sync_jobs WHERE id = $1`)

	if err != nil {
		return nil, err
	}
	return s, nil
}

// EnqueueParams are the caller-supplied fields of a new job. The queue
// manager fills in defaults before they reach the store.
type EnqueueParams struct {
	ID          types.PrefixUUID
	Type        models.JobType
	Scope       string
	Priority    int16
	Data        json.RawMessage
	MaxAttempts uint8
}

// Filter narrows Cancel and List operations. Zero values match everything.
type Filter struct {
	Status models.JobStatus
	Type   models.JobType
	Scope  string
}

// Enqueue creates a pending job, or coalesces into the active job with the
// same (type, scope). When coalesce is false and an active job exists,
// ErrDuplicate is returned instead. Compare the returned ID with params.ID
// to tell a fresh insert from a coalesced row.
func (s *Store) Enqueue(ctx context.Context, params EnqueueParams, coalesce bool) (*models.SyncJob, error) {
	data := params.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	stmt := s.coalesceStmt
	if !coalesce {
		stmt = s.insertStmt
	}
	job := new(models.SyncJob)
	var bt []byte
	err := stmt.QueryRowContext(ctx, params.ID, params.Type, params.Scope,
		params.Priority, []byte(data), params.MaxAttempts).Scan(args(job, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			// DO NOTHING matched the partial index.
			return nil, ErrDuplicate
		}
		return nil, dberror.GetError(err)
	}
	job.Data = json.RawMessage(bt)
	return job, nil
}

// Get the sync job with the given id. If no record could be found, the error
// will be sync_jobs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	job := new(models.SyncJob)
	var bt []byte
	err := s.getStmt.QueryRowContext(ctx, id).Scan(args(job, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	job.Data = json.RawMessage(bt)
	return job, nil
}

// Acquire the most eligible pending job and mark it running in a single
// conditional statement. Eligibility means next_eligible_at has passed and
// the job's lane has nothing running; ties break on priority then age.
// Returns ErrNotFound when nothing is eligible, including when a concurrent
// invocation won the race for the only candidate.
func (s *Store) Acquire(ctx context.Context) (*models.SyncJob, error) {
	job := new(models.SyncJob)
	var bt []byte
	err := s.acquireStmt.QueryRowContext(ctx).Scan(args(job, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	job.Data = json.RawMessage(bt)
	return job, nil
}

// MarkSucceeded completes a running job: cursor cleared, backoff state
// reset, completed_at stamped.
func (s *Store) MarkSucceeded(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	return s.transition(ctx, s.succeedStmt, id)
}

// MarkPartial returns a running job to pending with the worker's resumption
// cursor, eligible again immediately. The attempt counter is untouched.
func (s *Store) MarkPartial(ctx context.Context, id types.PrefixUUID, cursor string) (*models.SyncJob, error) {
	return s.transition(ctx, s.partialStmt, id, cursor)
}

// MarkFailed records a retryable failure: the attempt counter increments and
// the job becomes eligible again at nextEligibleAt. attempts must be the
// counter value the caller observed at acquire time.
func (s *Store) MarkFailed(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string, nextEligibleAt time.Time) (*models.SyncJob, error) {
	return s.transition(ctx, s.failStmt, id, attempts, errMsg, nextEligibleAt)
}

// MarkFailedTerminal moves a running job to the terminal failed status,
// either because the attempt ceiling was hit or because the failure is
// structural and retrying cannot succeed.
func (s *Store) MarkFailedTerminal(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string) (*models.SyncJob, error) {
	return s.transition(ctx, s.failTerminalStmt, id, attempts, errMsg)
}

func (s *Store) transition(ctx context.Context, stmt *sql.Stmt, id types.PrefixUUID, extra ...interface{}) (*models.SyncJob, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	job := new(models.SyncJob)
	var bt []byte
	params := append([]interface{}{id}, extra...)
	err := stmt.QueryRowContext(ctx, params...).Scan(args(job, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	job.Data = json.RawMessage(bt)
	return job, nil
}

// CancelPending cancels every pending job matching the filter and returns
// how many were cancelled.
func (s *Store) CancelPending(ctx context.Context, f Filter) (int64, error) {
	res, err := s.cancelPendingStmt.ExecContext(ctx, string(f.Type), f.Scope)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// FlagRunning requests cooperative cancellation of running jobs matching the
// filter. Workers observe the flag at slice boundaries.
func (s *Store) FlagRunning(ctx context.Context, f Filter) (int64, error) {
	res, err := s.flagRunningStmt.ExecContext(ctx, string(f.Type), f.Scope)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// CancelByID cancels a single pending job, or flags a running one for
// cooperative cancellation. Terminal jobs return ErrNotFound.
func (s *Store) CancelByID(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	return s.transition(ctx, s.cancelByIDStmt, id)
}

// IsCancelRequested reports whether a cancel has been requested for the job.
func (s *Store) IsCancelRequested(ctx context.Context, id types.PrefixUUID) (bool, error) {
	if id.UUID == uuid.Nil {
		return false, errors.New("Invalid id")
	}
	var flagged bool
	err := s.cancelFlagStmt.QueryRowContext(ctx, id).Scan(&flagged)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, dberror.GetError(err)
	}
	return flagged, nil
}

// ReclaimStale returns running jobs whose slice started before olderThan to
// pending, cursors intact, and reports how many were reclaimed. This is the
// recovery path for invocations killed by the platform before they could
// persist a final state.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.reclaimStmt.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// DeleteTerminal removes succeeded/failed/cancelled jobs that completed
// before olderThan. Associated sync_runs rows go with them (ON DELETE
// CASCADE).
func (s *Store) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.deleteOldStmt.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// List returns up to limit jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter, limit int) ([]*models.SyncJob, error) {
	rows, err := s.listStmt.QueryContext(ctx, string(f.Status), string(f.Type), f.Scope, limit)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var jobs []*models.SyncJob
	for rows.Next() {
		job := new(models.SyncJob)
		var bt []byte
		if err := rows.Scan(args(job, &bt)...); err != nil {
			return jobs, err
		}
		job.Data = json.RawMessage(bt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountsByStatus returns the number of jobs in each status.
func (s *Store) CountsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.countsStmt.QueryContext(ctx)
	m := make(map[models.JobStatus]int64)
	if err != nil {
		return m, dberror.GetError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m[status] = count
	}
	return m, rows.Err()
}

func insertFields() string {
	return `id,
	job_type,
	scope,
	status,
	priority,
	data,
	attempts,
	max_attempts,
	next_eligible_at`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	job_type,
	scope,
	status,
	priority,
	data,
	attempts,
	max_attempts,
	next_eligible_at,
	cursor,
	cancel_requested,
	last_error,
	created_at,
	updated_at,
	started_at,
	completed_at`, Prefix)
}

func args(job *models.SyncJob, byteptr *[]byte) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&job.Scope,
		&job.Status,
		&job.Priority,
		// can't scan into Data because of https://github.com/golang/go/issues/13905
		byteptr,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextEligibleAt,
		&job.Cursor,
		&job.CancelRequested,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	}
}
