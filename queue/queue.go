// Package queue schedules sync jobs across short-lived invocations.
//
// There is no long-running scheduler loop: every operation here is designed
// to be called from an externally triggered, time-boxed invocation (a cron
// tick, an HTTP request), with all state living in the job store between
// calls. Concurrency control is the store's job — each status transition is
// a conditional update, so when two invocations race, one simply matches
// zero rows and walks away.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/go-types"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/sync_jobs"
)

// A JobStore is the durable home of sync jobs. *sync_jobs.Store is the
// production implementation; tests substitute an in-memory one. Lookup
// misses and lost conditional updates are reported as sync_jobs.ErrNotFound,
// duplicate active jobs under the strict enqueue as sync_jobs.ErrDuplicate.
type JobStore interface {
	Enqueue(ctx context.Context, params sync_jobs.EnqueueParams, coalesce bool) (*models.SyncJob, error)
	Get(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error)
	Acquire(ctx context.Context) (*models.SyncJob, error)
	MarkSucceeded(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error)
	MarkPartial(ctx context.Context, id types.PrefixUUID, cursor string) (*models.SyncJob, error)
	MarkFailed(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string, nextEligibleAt time.Time) (*models.SyncJob, error)
	MarkFailedTerminal(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string) (*models.SyncJob, error)
	CancelPending(ctx context.Context, f sync_jobs.Filter) (int64, error)
	FlagRunning(ctx context.Context, f sync_jobs.Filter) (int64, error)
	CancelByID(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error)
	IsCancelRequested(ctx context.Context, id types.PrefixUUID) (bool, error)
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	List(ctx context.Context, f sync_jobs.Filter, limit int) ([]*models.SyncJob, error)
}

// A RunStore records the history of execution slices.
type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	ListForJob(ctx context.Context, jobID types.PrefixUUID, limit int) ([]*models.SyncRun, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// A Manager accepts sync jobs, selects the next eligible one, and drives a
// bounded amount of work per invocation.
type Manager struct {
	store   JobStore
	runs    RunStore
	workers map[models.JobType]Worker
	cfg     Config
}

// New creates a Manager. Register a worker per job type before calling
// ProcessNext.
func New(store JobStore, runs RunStore, cfg Config) *Manager {
	return &Manager{
		store:   store,
		runs:    runs,
		workers: make(map[models.JobType]Worker),
		cfg:     cfg.withDefaults(),
	}
}

// RegisterWorker installs the worker that runs jobs of the given type.
func (m *Manager) RegisterWorker(t models.JobType, w Worker) {
	m.workers[t] = w
}

// An EnqueueRequest describes a job to create. Priority nil means the
// type-specific baseline; MaxAttempts zero means the configured default.
type EnqueueRequest struct {
	Type        models.JobType
	Scope       string
	Priority    *int16
	Data        json.RawMessage
	MaxAttempts uint8
}

// Enqueue validates the request and persists a pending job. When an active
// job already exists for the same (type, scope) the configured policy
// decides between returning it (coalesced, at the higher priority) and
// returning a *DuplicateJobError.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*models.SyncJob, error) {
	if !models.KnownType(req.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, string(req.Type))
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return nil, ErrInvalidData
	}
	priority := defaultPriority(req.Type)
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.cfg.DefaultMaxAttempts
	}
	id := types.GenerateUUID(sync_jobs.Prefix)
	job, err := m.store.Enqueue(ctx, sync_jobs.EnqueueParams{
		ID:          id,
		Type:        req.Type,
		Scope:       req.Scope,
		Priority:    priority,
		Data:        req.Data,
		MaxAttempts: maxAttempts,
	}, m.cfg.Policy == PolicyCoalesce)
	if err == sync_jobs.ErrDuplicate {
		go metrics.Increment(fmt.Sprintf("enqueue.%s.duplicate", req.Type))
		return nil, &DuplicateJobError{Type: req.Type, Scope: req.Scope}
	}
	if err != nil {
		return nil, err
	}
	if job.ID.String() != id.String() {
		go metrics.Increment(fmt.Sprintf("enqueue.%s.coalesced", req.Type))
	} else {
		go metrics.Increment(fmt.Sprintf("enqueue.%s.created", req.Type))
	}
	return job, nil
}

// Outcomes of a single ProcessNext invocation.
const (
	// OutcomeIdle means no job was eligible. Not an error; the queue may
	// simply be empty or backing off.
	OutcomeIdle = "idle"

	OutcomeSucceeded = string(models.OutcomeSucceeded)
	OutcomePartial   = string(models.OutcomePartial)
	OutcomeFailed    = string(models.OutcomeFailed)
)

// A ProcessResult summarizes one invocation.
type ProcessResult struct {
	JobID          *types.PrefixUUID `json:"job_id,omitempty"`
	Outcome        string            `json:"outcome"`
	ItemsProcessed int               `json:"items_processed"`
	Error          string            `json:"error,omitempty"`
}

// ProcessNext advances the queue by one slice: acquire the most eligible
// job, run its worker until completion or the time budget (minus the
// persistence margin) runs out, and persist exactly one state transition.
// A timeBudget of zero uses the configured default.
//
// Job-level failures are recorded on the job, not returned; the error
// return is reserved for the invocation itself being unable to talk to the
// store.
func (m *Manager) ProcessNext(ctx context.Context, timeBudget time.Duration) (*ProcessResult, error) {
	if timeBudget <= 0 {
		timeBudget = m.cfg.DefaultBudget
	}
	if timeBudget <= m.cfg.PersistMargin {
		return nil, fmt.Errorf("queue: time budget %s leaves no room for the %s persistence margin",
			timeBudget, m.cfg.PersistMargin)
	}
	start := time.Now()
	job, err := m.store.Acquire(ctx)
	if err == sync_jobs.ErrNotFound {
		go metrics.Increment("process.idle")
		return &ProcessResult{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	go metrics.Increment(fmt.Sprintf("process.%s.acquired", job.Type))

	worker, ok := m.workers[job.Type]
	if !ok {
		// Structural; retrying cannot succeed with this process image.
		res := Failed(fmt.Errorf("%w: %s", ErrNoWorker, job.Type), false)
		return m.finish(ctx, job, start, res), nil
	}

	wctx, cancel := context.WithDeadline(ctx, start.Add(timeBudget-m.cfg.PersistMargin))
	defer cancel()
	res := m.runWorker(wctx, worker, job)
	return m.finish(ctx, job, start, res), nil
}

// runWorker invokes the worker, converting a panic into a failed result so
// an invocation never dies without persisting job state.
func (m *Manager) runWorker(ctx context.Context, w Worker, job *models.SyncJob) (res WorkResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: worker for job %s panicked: %v", job.ID.String(), r)
			go metrics.Increment(fmt.Sprintf("process.%s.panic", job.Type))
			res = Failed(fmt.Errorf("worker panic: %v", r), true)
		}
	}()
	cancelled := func() bool {
		flagged, err := m.store.IsCancelRequested(ctx, job.ID)
		return err == nil && flagged
	}
	return w.Run(ctx, job, cancelled)
}

// finish maps a worker result onto one state transition, records the slice
// in the run history, and builds the invocation summary.
func (m *Manager) finish(ctx context.Context, job *models.SyncJob, start time.Time, res WorkResult) *ProcessResult {
	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	var terr error
	switch res.Outcome {
	case models.OutcomeSucceeded:
		_, terr = m.store.MarkSucceeded(ctx, job.ID)
	case models.OutcomePartial:
		_, terr = m.store.MarkPartial(ctx, job.ID, res.Cursor)
	case models.OutcomeFailed:
		if !res.Retryable || job.Attempts+1 >= job.MaxAttempts {
			_, terr = m.store.MarkFailedTerminal(ctx, job.ID, job.Attempts, errMsg)
		} else {
			next := time.Now().UTC().Add(m.backoff(job.Attempts + 1))
			_, terr = m.store.MarkFailed(ctx, job.ID, job.Attempts, errMsg, next)
		}
	default:
		// A worker returned garbage; treat it like a structural failure.
		errMsg = fmt.Sprintf("worker returned unknown outcome %q", res.Outcome)
		res.Outcome = models.OutcomeFailed
		_, terr = m.store.MarkFailedTerminal(ctx, job.ID, job.Attempts, errMsg)
	}
	if terr == sync_jobs.ErrNotFound {
		// Someone else moved the job first (most likely RestartQueue
		// reclaimed it as stale). Their transition wins; ours only adds
		// the history row.
		log.Printf("queue: lost transition race for job %s, continuing", job.ID.String())
		go metrics.Increment("process.transition.conflict")
	} else if terr != nil {
		log.Printf("queue: error persisting %s for job %s: %s", res.Outcome, job.ID.String(), terr)
		go metrics.Increment("process.transition.error")
	}

	finished := time.Now()
	run := &models.SyncRun{
		JobID:          job.ID,
		Type:           job.Type,
		Outcome:        res.Outcome,
		ItemsProcessed: res.ItemsProcessed,
		Error:          errMsg,
		Cursor:         res.Cursor,
		StartedAt:      start.UTC(),
		FinishedAt:     finished.UTC(),
	}
	if err := m.runs.Create(ctx, run); err != nil {
		// History is diagnostics, not ground truth; don't fail the slice.
		log.Printf("queue: could not record run for job %s: %s", job.ID.String(), err)
	}
	go metrics.Time(fmt.Sprintf("process.%s.latency", job.Type), finished.Sub(start))
	go metrics.Increment(fmt.Sprintf("process.%s.%s", job.Type, res.Outcome))
	go metrics.Measure(fmt.Sprintf("process.%s.items", job.Type), int64(res.ItemsProcessed))

	return &ProcessResult{
		JobID:          &job.ID,
		Outcome:        string(res.Outcome),
		ItemsProcessed: res.ItemsProcessed,
		Error:          errMsg,
	}
}

// CancelJobs cancels pending jobs matching the filter and returns how many
// were cancelled. Matching running jobs are flagged for cooperative
// cancellation; their workers stop at the next slice boundary, and they are
// not part of the count.
func (m *Manager) CancelJobs(ctx context.Context, f sync_jobs.Filter) (int64, error) {
	cancelled, err := m.store.CancelPending(ctx, f)
	if err != nil {
		return 0, err
	}
	flagged, err := m.store.FlagRunning(ctx, f)
	if err != nil {
		return cancelled, err
	}
	if flagged > 0 {
		log.Printf("queue: flagged %d running job(s) for cancellation", flagged)
	}
	go metrics.Measure("cancel.cancelled", cancelled)
	return cancelled, nil
}

// CancelJob cancels one pending job, or flags it if running. Returns
// sync_jobs.ErrNotFound for unknown or already-terminal jobs.
func (m *Manager) CancelJob(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	return m.store.CancelByID(ctx, id)
}

// Cleanup removes terminal jobs (and their cascade-deleted run history)
// older than the retention window, plus orphaned run records of the same
// age. olderThan zero uses the configured retention.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = m.cfg.Retention
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := m.store.DeleteTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := m.runs.DeleteOlderThan(ctx, cutoff); err != nil {
		log.Printf("queue: error pruning run history: %s", err)
	}
	go metrics.Measure("cleanup.removed", removed)
	return removed, nil
}

// RestartQueue reclaims jobs stuck in running past the stale threshold,
// returning them to pending with their cursors intact. This is the recovery
// path for invocations the platform killed mid-slice; nothing is lost but
// the work since the last persisted cursor, and re-applying that slice is
// harmless because downstream writes are idempotent upserts.
func (m *Manager) RestartQueue(ctx context.Context) (int64, error) {
	reclaimed, err := m.store.ReclaimStale(ctx, time.Now().UTC().Add(-m.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		log.Printf("queue: reclaimed %d stale job(s)", reclaimed)
		go metrics.Measure("restart.reclaimed", reclaimed)
	}
	return reclaimed, nil
}

// GetStatus returns job summaries matching the filter, newest first, capped
// at the configured list limit.
func (m *Manager) GetStatus(ctx context.Context, f sync_jobs.Filter) ([]*models.SyncJob, error) {
	return m.store.List(ctx, f, m.cfg.ListLimit)
}

// GetJob returns one job and its recent run history.
func (m *Manager) GetJob(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, []*models.SyncRun, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	runs, err := m.runs.ListForJob(ctx, id, 20)
	if err != nil {
		log.Printf("queue: error loading runs for job %s: %s", id.String(), err)
		runs = nil
	}
	return job, runs, nil
}
