// Package queuetest provides in-memory JobStore and RunStore implementations
// for tests that exercise queue logic without a database. The fakes mirror
// the conditional-update semantics of the SQL store: transitions check the
// current status and return sync_jobs.ErrNotFound when the row has moved.
package queuetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Shyp/go-types"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/sync_jobs"
)

// Store is an in-memory JobStore. The zero value is not usable; call
// NewStore.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*models.SyncJob

	// Now lets tests control the clock. Defaults to time.Now.
	Now func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*models.SyncJob),
		Now:  time.Now,
	}
}

// Jobs returns a snapshot of every job, for assertions.
func (s *Store) Jobs() []*models.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SyncJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (s *Store) get(id types.PrefixUUID) (*models.SyncJob, bool) {
	j, ok := s.jobs[id.String()]
	return j, ok
}

func (s *Store) findActive(t models.JobType, scope string) *models.SyncJob {
	for _, j := range s.jobs {
		if j.Type == t && j.Scope == scope &&
			(j.Status == models.StatusPending || j.Status == models.StatusRunning) {
			return j
		}
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, params sync_jobs.EnqueueParams, coalesce bool) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now().UTC()
	if existing := s.findActive(params.Type, params.Scope); existing != nil {
		if !coalesce {
			return nil, sync_jobs.ErrDuplicate
		}
		if params.Priority > existing.Priority {
			existing.Priority = params.Priority
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	data := params.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	job := &models.SyncJob{
		ID:             params.ID,
		Type:           params.Type,
		Scope:          params.Scope,
		Status:         models.StatusPending,
		Priority:       params.Priority,
		Data:           data,
		MaxAttempts:    params.MaxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[job.ID.String()] = job
	cp := *job
	return &cp, nil
}

func (s *Store) Get(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok {
		return nil, sync_jobs.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) Acquire(ctx context.Context) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now().UTC()
	busy := make(map[models.JobType]bool)
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning {
			busy[j.Type] = true
		}
	}
	var best *models.SyncJob
	for _, j := range s.jobs {
		if j.Status != models.StatusPending || j.NextEligibleAt.After(now) || busy[j.Type] {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, sync_jobs.ErrNotFound
	}
	best.Status = models.StatusRunning
	best.StartedAt = types.NullTime{Valid: true, Time: now}
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (s *Store) MarkSucceeded(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok || j.Status != models.StatusRunning {
		return nil, sync_jobs.ErrNotFound
	}
	now := s.Now().UTC()
	j.Status = models.StatusSucceeded
	j.Cursor = ""
	j.LastError = ""
	j.CompletedAt = types.NullTime{Valid: true, Time: now}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *Store) MarkPartial(ctx context.Context, id types.PrefixUUID, cursor string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok || j.Status != models.StatusRunning {
		return nil, sync_jobs.ErrNotFound
	}
	now := s.Now().UTC()
	if j.CancelRequested {
		j.Status = models.StatusCancelled
		j.CompletedAt = types.NullTime{Valid: true, Time: now}
	} else {
		j.Status = models.StatusPending
	}
	j.Cursor = cursor
	j.NextEligibleAt = now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *Store) MarkFailed(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string, nextEligibleAt time.Time) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok || j.Status != models.StatusRunning || j.Attempts != attempts {
		return nil, sync_jobs.ErrNotFound
	}
	j.Status = models.StatusPending
	j.Attempts++
	j.LastError = errMsg
	j.NextEligibleAt = nextEligibleAt
	j.UpdatedAt = s.Now().UTC()
	cp := *j
	return &cp, nil
}

func (s *Store) MarkFailedTerminal(ctx context.Context, id types.PrefixUUID, attempts uint8, errMsg string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok || j.Status != models.StatusRunning || j.Attempts != attempts {
		return nil, sync_jobs.ErrNotFound
	}
	now := s.Now().UTC()
	j.Status = models.StatusFailed
	if j.Attempts < j.MaxAttempts {
		j.Attempts++
	}
	j.LastError = errMsg
	j.CompletedAt = types.NullTime{Valid: true, Time: now}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func matches(j *models.SyncJob, f sync_jobs.Filter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Scope != "" && j.Scope != f.Scope {
		return false
	}
	return true
}

func (s *Store) CancelPending(ctx context.Context, f sync_jobs.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && matches(j, sync_jobs.Filter{Type: f.Type, Scope: f.Scope}) {
			j.Status = models.StatusCancelled
			j.CompletedAt = types.NullTime{Valid: true, Time: now}
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) FlagRunning(ctx context.Context, f sync_jobs.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning && matches(j, sync_jobs.Filter{Type: f.Type, Scope: f.Scope}) {
			j.CancelRequested = true
			j.UpdatedAt = s.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Store) CancelByID(ctx context.Context, id types.PrefixUUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok {
		return nil, sync_jobs.ErrNotFound
	}
	now := s.Now().UTC()
	switch j.Status {
	case models.StatusPending:
		j.Status = models.StatusCancelled
		j.CompletedAt = types.NullTime{Valid: true, Time: now}
	case models.StatusRunning:
		j.CancelRequested = true
	default:
		return nil, sync_jobs.ErrNotFound
	}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, id types.PrefixUUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(id)
	if !ok {
		return false, sync_jobs.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning && j.StartedAt.Valid && j.StartedAt.Time.Before(olderThan) {
			j.Status = models.StatusPending
			j.NextEligibleAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt.Valid && j.CompletedAt.Time.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f sync_jobs.Filter, limit int) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyncJob
	for _, j := range s.jobs {
		if matches(j, f) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RunStore is an in-memory run history.
type RunStore struct {
	mu     sync.Mutex
	nextID int64
	runs   []*models.SyncRun
}

func NewRunStore() *RunStore {
	return &RunStore{}
}

func (r *RunStore) Create(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	run.ID = r.nextID
	cp := *run
	r.runs = append(r.runs, &cp)
	return nil
}

func (r *RunStore) ListForJob(ctx context.Context, jobID types.PrefixUUID, limit int) ([]*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncRun
	for i := len(r.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.runs[i].JobID.String() == jobID.String() {
			cp := *r.runs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *RunStore) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*models.SyncRun
	var n int64
	for _, run := range r.runs {
		if run.FinishedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, run)
	}
	r.runs = kept
	return n, nil
}

// Runs returns a snapshot of every recorded run.
func (r *RunStore) Runs() []*models.SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.SyncRun, len(r.runs))
	for i, run := range r.runs {
		cp := *run
		out[i] = &cp
	}
	return out
}
