// Package sync implements the per-entity workers that page records from the
// provider into local storage. Each worker processes whole pages, persisting
// nothing smaller: if time or a cancel request interrupts the slice, the
// cursor of the last completed page goes back to the queue and the next
// invocation resumes there.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/provider"
	"github.com/gavelhq/docket/queue"
)

// A RecordWriter stores batches of provider records. *records.Store is the
// production implementation.
type RecordWriter interface {
	UpsertCourts(ctx context.Context, courts []models.Court) (int, error)
	UpsertJudges(ctx context.Context, judges []models.Judge) (int, error)
	UpsertDecisions(ctx context.Context, decisions []models.Decision) (int, error)
}

// Payload is the JSON job data accepted by every syncer. All fields are
// optional; the job's scope names the jurisdiction.
type Payload struct {
	PageSize int `json:"page_size,omitempty"`

	// Only fetch records changed at or after this time.
	UpdatedSince time.Time `json:"updated_since,omitempty"`

	// ForceRefresh ignores UpdatedSince and re-fetches everything.
	ForceRefresh bool `json:"force_refresh,omitempty"`
}

// pageMargin is how much budget a page fetch plus its batch write needs.
// When less than this remains before the deadline, the worker stops with a
// partial result instead of starting a page it cannot finish.
const pageMargin = 8 * time.Second

// fetchPage retrieves and stores one page, returning the number of records
// written and the token for the next page ("" when done).
type fetchPage func(ctx context.Context, p provider.ListParams) (int, string, error)

func listParams(job *models.SyncJob, pl Payload) provider.ListParams {
	p := provider.ListParams{
		Jurisdiction: job.Scope,
		PageToken:    job.Cursor,
		PageSize:     pl.PageSize,
	}
	if !pl.ForceRefresh {
		p.UpdatedSince = pl.UpdatedSince
	}
	return p
}

// runPaged drives the page loop shared by all three syncers.
func runPaged(ctx context.Context, job *models.SyncJob, cancelled func() bool, fetch fetchPage) queue.WorkResult {
	var pl Payload
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &pl); err != nil {
			return queue.Failed(fmt.Errorf("invalid job data: %s", err), false)
		}
	}
	params := listParams(job, pl)
	items := 0
	for {
		if cancelled() {
			return queue.Partial(items, params.PageToken)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < pageMargin {
			return queue.Partial(items, params.PageToken)
		}
		n, next, err := fetch(ctx, params)
		if err != nil {
			// The deadline firing mid-page is not a failure; the page
			// just didn't fit in what remained of the budget.
			if errors.Is(err, context.DeadlineExceeded) {
				return queue.Partial(items, params.PageToken)
			}
			// A transient error after completed pages: keep the progress
			// by yielding with the cursor. If the same page keeps
			// failing, the next slice starts on it, makes no progress,
			// and the failure burns an attempt as it should.
			if provider.IsRetryable(err) && items > 0 {
				return queue.Partial(items, params.PageToken)
			}
			res := queue.Failed(err, provider.IsRetryable(err))
			res.ItemsProcessed = items
			res.Cursor = params.PageToken
			return res
		}
		items += n
		if next == "" {
			return queue.Completed(items)
		}
		params.PageToken = next
	}
}

// A CourtSyncer ingests court records.
type CourtSyncer struct {
	Client *provider.Client
	Writer RecordWriter
}

func (s *CourtSyncer) Run(ctx context.Context, job *models.SyncJob, cancelled func() bool) queue.WorkResult {
	return runPaged(ctx, job, cancelled, func(ctx context.Context, p provider.ListParams) (int, string, error) {
		page, err := s.Client.Courts.List(ctx, p)
		if err != nil {
			return 0, "", err
		}
		n, err := s.Writer.UpsertCourts(ctx, page.Courts)
		return n, page.NextPageToken, err
	})
}

// A JudgeSyncer ingests judge records.
type JudgeSyncer struct {
	Client *provider.Client
	Writer RecordWriter
}

func (s *JudgeSyncer) Run(ctx context.Context, job *models.SyncJob, cancelled func() bool) queue.WorkResult {
	return runPaged(ctx, job, cancelled, func(ctx context.Context, p provider.ListParams) (int, string, error) {
		page, err := s.Client.Judges.List(ctx, p)
		if err != nil {
			return 0, "", err
		}
		n, err := s.Writer.UpsertJudges(ctx, page.Judges)
		return n, page.NextPageToken, err
	})
}

// A DecisionSyncer ingests decision records.
type DecisionSyncer struct {
	Client *provider.Client
	Writer RecordWriter
}

func (s *DecisionSyncer) Run(ctx context.Context, job *models.SyncJob, cancelled func() bool) queue.WorkResult {
	return runPaged(ctx, job, cancelled, func(ctx context.Context, p provider.ListParams) (int, string, error) {
		page, err := s.Client.Decisions.List(ctx, p)
		if err != nil {
			return 0, "", err
		}
		n, err := s.Writer.UpsertDecisions(ctx, page.Decisions)
		return n, page.NextPageToken, err
	})
}

// RegisterAll installs a syncer for every known job type on the manager.
func RegisterAll(m *queue.Manager, client *provider.Client, w RecordWriter) {
	m.RegisterWorker(models.TypeCourts, &CourtSyncer{Client: client, Writer: w})
	m.RegisterWorker(models.TypeJudges, &JudgeSyncer{Client: client, Writer: w})
	m.RegisterWorker(models.TypeDecisions, &DecisionSyncer{Client: client, Writer: w})
}
