// Logic for interacting with the "sync_runs" table.
//
// One row is appended per execution slice of a sync job, so an operator can
// reconstruct exactly what each invocation accomplished: items processed,
// outcome, and where the cursor stood when the slice ended.
package sync_runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Shyp/go-dberror"
	"github.com/Shyp/go-types"
	"github.com/gavelhq/docket/models"
)

// A Store runs queries against the sync_runs table.
type Store struct {
	db *sql.DB

	createStmt    *sql.Stmt
	listStmt      *sql.Stmt
	deleteOldStmt *sql.Stmt
}

// New prepares all sync_runs queries against the given connection.
func New(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("sync_runs: nil database connection")
	}
	s := &Store{db: conn}

	var err error
	prepare := func(stmt **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*stmt, err = conn.Prepare(query)
	}

	prepare(&s.createStmt, fmt.Sprintf(`-- sync_runs.Create
INSERT INTO sync_runs (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`, insertFields()))

	prepare(&s.listStmt, fmt.Sprintf(`-- sync_runs.ListForJob
SELECT %s
FROM sync_runs
WHERE job_id = $1
ORDER BY started_at DESC
LIMIT $2`, fields()))

	prepare(&s.deleteOldStmt, `-- sync_runs.DeleteOlderThan
DELETE FROM sync_runs WHERE finished_at < $1`)

	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create appends a run record and fills in its assigned ID.
func (s *Store) Create(ctx context.Context, run *models.SyncRun) error {
	err := s.createStmt.QueryRowContext(ctx,
		run.JobID,
		run.Type,
		run.Outcome,
		run.ItemsProcessed,
		run.Error,
		run.Cursor,
		run.StartedAt,
		run.FinishedAt,
	).Scan(&run.ID)
	if err != nil {
		return dberror.GetError(err)
	}
	return nil
}

// ListForJob returns up to limit run records for the job, newest first.
func (s *Store) ListForJob(ctx context.Context, jobID types.PrefixUUID, limit int) ([]*models.SyncRun, error) {
	rows, err := s.listStmt.QueryContext(ctx, jobID, limit)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var runs []*models.SyncRun
	for rows.Next() {
		run := new(models.SyncRun)
		err = rows.Scan(
			&run.ID,
			&run.JobID,
			&run.Type,
			&run.Outcome,
			&run.ItemsProcessed,
			&run.Error,
			&run.Cursor,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteOlderThan removes run records finished before olderThan, returning
// how many were deleted. Runs belonging to deleted jobs are already removed
// by the cascade; this prunes history of long-lived jobs.
func (s *Store) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.deleteOldStmt.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

func insertFields() string {
	return `job_id,
	job_type,
	outcome,
	items_processed,
	error,
	cursor,
	started_at,
	finished_at`
}

func fields() string {
	return fmt.Sprintf(`id,
	'%s' || job_id,
	job_type,
	outcome,
	items_processed,
	error,
	cursor,
	started_at,
	finished_at`, "sync_")
}
