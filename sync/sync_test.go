package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/provider"
	"github.com/gavelhq/docket/test"
)

type memWriter struct {
	courts    []models.Court
	judges    []models.Judge
	decisions []models.Decision
}

func (w *memWriter) UpsertCourts(ctx context.Context, courts []models.Court) (int, error) {
	w.courts = append(w.courts, courts...)
	return len(courts), nil
}

func (w *memWriter) UpsertJudges(ctx context.Context, judges []models.Judge) (int, error) {
	w.judges = append(w.judges, judges...)
	return len(judges), nil
}

func (w *memWriter) UpsertDecisions(ctx context.Context, decisions []models.Decision) (int, error) {
	w.decisions = append(w.decisions, decisions...)
	return len(decisions), nil
}

func never() bool { return false }

// courtServer serves pages of n courts each, numPages deep.
func courtServer(t *testing.T, numPages, perPage int) (*httptest.Server, *[]string) {
	t.Helper()
	var tokens []string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("page_token")
		tokens = append(tokens, token)
		page := 0
		if token != "" {
			fmt.Sscanf(token, "page_%d", &page)
		}
		courts := make([]map[string]string, 0, perPage)
		for i := 0; i < perPage; i++ {
			courts = append(courts, map[string]string{
				"provider_id":  fmt.Sprintf("crt_%d_%d", page, i),
				"name":         "A Court",
				"jurisdiction": r.URL.Query().Get("jurisdiction"),
			})
		}
		next := ""
		if page+1 < numPages {
			next = fmt.Sprintf("page_%d", page+1)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"courts":          courts,
			"next_page_token": next,
		})
	}))
	return s, &tokens
}

func TestCourtSyncerCompletes(t *testing.T) {
	t.Parallel()
	s, tokens := courtServer(t, 3, 2)
	defer s.Close()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}

	job := &models.SyncJob{Type: models.TypeCourts, Scope: "ca9", Data: []byte(`{"page_size": 2}`)}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeSucceeded)
	test.AssertEquals(t, res.ItemsProcessed, 6)
	test.AssertEquals(t, len(w.courts), 6)
	test.AssertDeepEquals(t, *tokens, []string{"", "page_1", "page_2"})
	test.AssertEquals(t, w.courts[0].Jurisdiction, "ca9")
}

func TestCourtSyncerResumesFromCursor(t *testing.T) {
	t.Parallel()
	s, tokens := courtServer(t, 3, 2)
	defer s.Close()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}

	job := &models.SyncJob{Type: models.TypeCourts, Scope: "ca9", Cursor: "page_1"}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeSucceeded)
	test.AssertEquals(t, res.ItemsProcessed, 4)
	test.AssertDeepEquals(t, *tokens, []string{"page_1", "page_2"})
}

func TestSyncerStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	s, _ := courtServer(t, 10, 1)
	defer s.Close()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}

	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 2
	}
	job := &models.SyncJob{Type: models.TypeCourts, Scope: "ca9"}
	res := syncer.Run(context.Background(), job, cancelled)
	test.AssertEquals(t, res.Outcome, models.OutcomePartial)
	test.AssertEquals(t, res.ItemsProcessed, 2)
	test.AssertEquals(t, res.Cursor, "page_2")
}

func TestSyncerStopsBeforeDeadline(t *testing.T) {
	t.Parallel()
	s, _ := courtServer(t, 10, 1)
	defer s.Close()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}

	// A deadline inside the page margin: the worker should not start a
	// single page.
	ctx, cancel := context.WithTimeout(context.Background(), pageMargin/2)
	defer cancel()
	job := &models.SyncJob{Type: models.TypeCourts, Scope: "ca9", Cursor: "page_4"}
	res := syncer.Run(ctx, job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomePartial)
	test.AssertEquals(t, res.ItemsProcessed, 0)
	test.AssertEquals(t, res.Cursor, "page_4")
}

func TestSyncerInvalidPayload(t *testing.T) {
	t.Parallel()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", "http://localhost:1"), Writer: w}
	job := &models.SyncJob{Type: models.TypeCourts, Data: []byte(`{"page_size": "ten"}`)}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeFailed)
	test.AssertEquals(t, res.Retryable, false)
}

func TestSyncerStructuralFailure(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"title": "unknown jurisdiction", "id": "not_found"}`))
	}))
	defer s.Close()
	w := new(memWriter)
	syncer := &JudgeSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}
	job := &models.SyncJob{Type: models.TypeJudges, Scope: "nowhere"}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeFailed)
	test.AssertEquals(t, res.Retryable, false)
	test.AssertContains(t, res.Err.Error(), "unknown jurisdiction")
}

func TestSyncerYieldsOnTransientErrorAfterProgress(t *testing.T) {
	t.Parallel()
	calls := 0
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"title": "too many requests", "id": "rate_limited"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"decisions":       []map[string]string{{"provider_id": "dec_1"}},
			"next_page_token": "page_1",
		})
	}))
	defer s.Close()
	w := new(memWriter)
	syncer := &DecisionSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}
	job := &models.SyncJob{Type: models.TypeDecisions}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomePartial)
	test.AssertEquals(t, res.ItemsProcessed, 1)
	test.AssertEquals(t, res.Cursor, "page_1")
}

func TestSyncerFailsOnImmediateRateLimit(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title": "too many requests", "id": "rate_limited"}`))
	}))
	defer s.Close()
	w := new(memWriter)
	syncer := &DecisionSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}
	job := &models.SyncJob{Type: models.TypeDecisions}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeFailed)
	test.AssertEquals(t, res.Retryable, true)
}

func TestForceRefreshDropsUpdatedSince(t *testing.T) {
	t.Parallel()
	var gotSince string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("updated_since")
		w.Write([]byte(`{"courts": [], "next_page_token": ""}`))
	}))
	defer s.Close()
	w := new(memWriter)
	syncer := &CourtSyncer{Client: provider.NewClient("id", "tok", s.URL), Writer: w}
	data, _ := json.Marshal(Payload{UpdatedSince: time.Now(), ForceRefresh: true})
	job := &models.SyncJob{Type: models.TypeCourts, Data: data}
	res := syncer.Run(context.Background(), job, never)
	test.AssertEquals(t, res.Outcome, models.OutcomeSucceeded)
	test.AssertEquals(t, gotSince, "")
}
