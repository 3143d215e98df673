// Logic for writing synced entity records to the courts, judges, and
// decisions tables.
//
// Every write is an upsert keyed on the provider's identifier, so applying
// the same batch twice (for example after a crashed invocation is reclaimed
// and its slice re-run) changes nothing.
package records

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Shyp/go-dberror"
	"github.com/gavelhq/docket/models"
)

// A Store applies batched upserts of provider records.
type Store struct {
	db *sql.DB
}

// New returns a Store writing through the given connection.
func New(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("records: nil database connection")
	}
	return &Store{db: conn}, nil
}

const upsertCourt = `-- records.UpsertCourts
INSERT INTO courts (provider_id, name, jurisdiction, level, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (provider_id) DO UPDATE
SET name = EXCLUDED.name,
	jurisdiction = EXCLUDED.jurisdiction,
	level = EXCLUDED.level,
	updated_at = now()`

const upsertJudge = `-- records.UpsertJudges
INSERT INTO judges (provider_id, name, court_provider_id, position, appointed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (provider_id) DO UPDATE
SET name = EXCLUDED.name,
	court_provider_id = EXCLUDED.court_provider_id,
	position = EXCLUDED.position,
	appointed_at = EXCLUDED.appointed_at,
	updated_at = now()`

const upsertDecision = `-- records.UpsertDecisions
INSERT INTO decisions (provider_id, court_provider_id, judge_provider_id,
	case_name, docket_number, decided_at, summary, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (provider_id) DO UPDATE
SET court_provider_id = EXCLUDED.court_provider_id,
	judge_provider_id = EXCLUDED.judge_provider_id,
	case_name = EXCLUDED.case_name,
	docket_number = EXCLUDED.docket_number,
	decided_at = EXCLUDED.decided_at,
	summary = EXCLUDED.summary,
	updated_at = now()`

// UpsertCourts applies one batch of court records in a single transaction
// and returns the number written.
func (s *Store) UpsertCourts(ctx context.Context, courts []models.Court) (int, error) {
	return s.batch(ctx, upsertCourt, len(courts), func(i int) []interface{} {
		c := courts[i]
		return []interface{}{c.ProviderID, c.Name, c.Jurisdiction, c.Level}
	})
}

// UpsertJudges applies one batch of judge records in a single transaction
// and returns the number written.
func (s *Store) UpsertJudges(ctx context.Context, judges []models.Judge) (int, error) {
	return s.batch(ctx, upsertJudge, len(judges), func(i int) []interface{} {
		j := judges[i]
		return []interface{}{j.ProviderID, j.Name, j.CourtProviderID, j.Position, j.AppointedAt}
	})
}

// UpsertDecisions applies one batch of decision records in a single
// transaction and returns the number written.
func (s *Store) UpsertDecisions(ctx context.Context, decisions []models.Decision) (int, error) {
	return s.batch(ctx, upsertDecision, len(decisions), func(i int) []interface{} {
		d := decisions[i]
		return []interface{}{d.ProviderID, d.CourtProviderID, d.JudgeProviderID,
			d.CaseName, d.DocketNumber, d.DecidedAt, d.Summary}
	})
}

// batch runs the upsert for each row inside one transaction, so a batch is
// applied entirely or not at all.
func (s *Store) batch(ctx context.Context, query string, n int, rowArgs func(int) []interface{}) (int, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, rowArgs(i)...); err != nil {
			tx.Rollback()
			return 0, dberror.GetError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
