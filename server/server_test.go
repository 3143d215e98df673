package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Shyp/rest"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/queue"
	"github.com/gavelhq/docket/queue/queuetest"
	"github.com/gavelhq/docket/test"
)

var u = &UnsafeBypassAuthorizer{}

func newTestServer(cfg queue.Config) (http.Handler, *queue.Manager, *queuetest.Store) {
	store := queuetest.NewStore()
	m := queue.New(store, queuetest.NewRunStore(), cfg)
	return Get(u, m), m, store
}

func Test405WrongMethod(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, err := http.NewRequest("DELETE", "/v1/sync/jobs", nil)
	test.AssertNotError(t, err, "")
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusMethodNotAllowed)

	var e rest.Error
	err = json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.Title, "Method not allowed")
	test.AssertEquals(t, e.Instance, "/v1/sync/jobs")
}

func Test401NoCredentials(t *testing.T) {
	t.Parallel()
	store := queuetest.NewStore()
	m := queue.New(store, queuetest.NewRunStore(), queue.Config{})
	s := Get(NewSharedSecretAuthorizer(), m)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sync/jobs", nil)
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, w.Header().Get("WWW-Authenticate"), "Basic realm=\"docket\"")
}

func TestCreateJobNoType(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/jobs", bytes.NewBufferString(`{"scope": "ca9"}`))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)

	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.Title, "Missing required field: type")
	test.AssertEquals(t, e.ID, "missing_parameter")
}

func TestCreateJobUnknownType(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/jobs", bytes.NewBufferString(`{"type": "dockets"}`))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)

	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "unknown_job_type")
}

func TestCreateJobSuccess(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	body := `{"type": "decisions", "scope": "ca9", "data": {"page_size": 50}}`
	req, _ := http.NewRequest("POST", "/v1/sync/jobs", bytes.NewBufferString(body))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusAccepted)

	var job models.SyncJob
	err := json.Unmarshal(w.Body.Bytes(), &job)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, job.Type, models.TypeDecisions)
	test.AssertEquals(t, job.Scope, "ca9")
	test.AssertEquals(t, job.Status, models.StatusPending)
	test.AssertEquals(t, job.ID.Prefix, "sync_")
}

func TestCreateJobDuplicateRejected(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{Policy: queue.PolicyReject})
	body := func() *bytes.Buffer {
		return bytes.NewBufferString(`{"type": "courts", "scope": "ca9"}`)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/jobs", body())
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusAccepted)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/v1/sync/jobs", body())
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusConflict)

	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "duplicate_job")
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	s, m, _ := newTestServer(queue.Config{})
	ctx := context.Background()
	_, err := m.Enqueue(ctx, queue.EnqueueRequest{Type: models.TypeCourts, Scope: "ca9"})
	test.AssertNotError(t, err, "")
	_, err = m.Enqueue(ctx, queue.EnqueueRequest{Type: models.TypeJudges, Scope: "ca9"})
	test.AssertNotError(t, err, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sync/jobs?type=courts", nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var body struct {
		Jobs []*models.SyncJob `json:"jobs"`
	}
	err = json.Unmarshal(w.Body.Bytes(), &body)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(body.Jobs), 1)
	test.AssertEquals(t, body.Jobs[0].Type, models.TypeCourts)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	s, m, _ := newTestServer(queue.Config{})
	job, err := m.Enqueue(context.Background(), queue.EnqueueRequest{Type: models.TypeCourts})
	test.AssertNotError(t, err, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sync/jobs/"+job.ID.String(), nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var jwr JobWithRuns
	err = json.Unmarshal(w.Body.Bytes(), &jwr)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, jwr.ID.String(), job.ID.String())
	test.AssertEquals(t, len(jwr.Runs), 0)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sync/jobs/sync_6740b44e-13b9-475d-af06-979627e0e0d6", nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}

func TestGetJobWrongPrefix(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	// The route requires a sync_ prefix, so this should 404 at routing.
	req, _ := http.NewRequest("GET", "/v1/sync/jobs/job_6740b44e-13b9-475d-af06-979627e0e0d6", nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	s, m, _ := newTestServer(queue.Config{})
	job, err := m.Enqueue(context.Background(), queue.EnqueueRequest{Type: models.TypeCourts})
	test.AssertNotError(t, err, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/v1/sync/jobs/%s/cancel", job.ID.String()), nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var cancelled models.SyncJob
	err = json.Unmarshal(w.Body.Bytes(), &cancelled)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, cancelled.Status, models.StatusCancelled)

	// A second cancel finds nothing cancellable.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", fmt.Sprintf("/v1/sync/jobs/%s/cancel", job.ID.String()), nil)
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}

func TestProcessIdle(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/process", bytes.NewBufferString(`{}`))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var res queue.ProcessResult
	err := json.Unmarshal(w.Body.Bytes(), &res)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, res.Outcome, queue.OutcomeIdle)
}

func TestProcessBadBudget(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/process", bytes.NewBufferString(`{"time_budget": "soon"}`))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
}

func TestCancelAllPending(t *testing.T) {
	t.Parallel()
	s, m, _ := newTestServer(queue.Config{})
	ctx := context.Background()
	_, err := m.Enqueue(ctx, queue.EnqueueRequest{Type: models.TypeCourts, Scope: "ca9"})
	test.AssertNotError(t, err, "")
	_, err = m.Enqueue(ctx, queue.EnqueueRequest{Type: models.TypeJudges, Scope: "ca9"})
	test.AssertNotError(t, err, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sync/cancel", bytes.NewBufferString(`{}`))
	req.SetBasicAuth("test", "password")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var body map[string]int64
	err = json.Unmarshal(w.Body.Bytes(), &body)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, body["cancelled"], int64(2))
}

func TestRestartAndCleanup(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	for _, path := range []string{"/v1/sync/restart", "/v1/sync/cleanup"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", path, nil)
		req.SetBasicAuth("test", "password")
		s.ServeHTTP(w, req)
		test.AssertEquals(t, w.Code, http.StatusOK)
	}
}

func TestForbidsProxiedHTTP(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(queue.Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sync/jobs", nil)
	req.SetBasicAuth("test", "password")
	req.Header.Set("X-Forwarded-Proto", "http")
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
}
