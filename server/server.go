// Package server provides the HTTP interface for triggering and inspecting
// sync jobs. Every invocation of the queue happens through this surface;
// there is no resident scheduler process.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Shyp/go-dberror"
	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"github.com/gavelhq/docket/config"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/sync_jobs"
	"github.com/gavelhq/docket/queue"
)

// The maximum data size that can be sent in the body of a HTTP request.
const MAX_ENQUEUE_DATA_SIZE = 100 * 1024

// POST /v1/sync/jobs/:id/cancel
var cancelJobRoute = regexp.MustCompile(`^/v1/sync/jobs/(?P<id>sync_[^\s\/]+)/cancel$`)

// GET /v1/sync/jobs/sync_123
//
// Must go before the jobsRoute
var getJobRoute = regexp.MustCompile(`^/v1/sync/jobs/(?P<id>sync_[^\s\/]+)$`)

// GET/POST /v1/sync/jobs
var jobsRoute = regexp.MustCompile("^/v1/sync/jobs$")

// POST /v1/sync/process
var processRoute = regexp.MustCompile("^/v1/sync/process$")

// POST /v1/sync/cancel
var cancelRoute = regexp.MustCompile("^/v1/sync/cancel$")

// POST /v1/sync/restart
var restartRoute = regexp.MustCompile("^/v1/sync/restart$")

// POST /v1/sync/cleanup
var cleanupRoute = regexp.MustCompile("^/v1/sync/cleanup$")

// Get returns a http.Handler with all routes initialized using the given
// Authorizer and queue manager.
func Get(a Authorizer, m *queue.Manager) http.Handler {
	h := new(RegexpHandler)

	h.Handler(jobsRoute, []string{"GET", "POST"}, authHandler(handleJobsRoute(m), a))
	h.Handler(getJobRoute, []string{"GET"}, authHandler(getJob(m), a))
	h.Handler(cancelJobRoute, []string{"POST"}, authHandler(cancelJob(m), a))

	h.Handler(processRoute, []string{"POST"}, authHandler(processNext(m), a))
	h.Handler(cancelRoute, []string{"POST"}, authHandler(cancelJobs(m), a))
	h.Handler(restartRoute, []string{"POST"}, authHandler(restartQueue(m), a))
	h.Handler(cleanupRoute, []string{"POST"}, authHandler(cleanup(m), a))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h,
				os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"),
		),
	)
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("docket/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler, disallowUnencrypted bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencrypted {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// A CreateSyncJobRequest is sent in the body of a request to POST
// /v1/sync/jobs.
type CreateSyncJobRequest struct {
	Type  models.JobType  `json:"type"`
	Scope string          `json:"scope"`
	Data  json.RawMessage `json:"data"`

	// Selection priority; omit for the type's default.
	Priority *int16 `json:"priority"`

	// Attempt ceiling; omit for the configured default.
	MaxAttempts uint8 `json:"max_attempts"`
}

// GET/POST disambiguator for /v1/sync/jobs
func handleJobsRoute(m *queue.Manager) http.HandlerFunc {
	create := createJob(m)
	list := listJobs(m)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			create.ServeHTTP(w, r)
		} else {
			list.ServeHTTP(w, r)
		}
	}
}

// POST /v1/sync/jobs
//
// Enqueue a new sync job, or coalesce into the active one for the same type
// and scope.
func createJob(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("type", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var jr CreateSyncJobRequest
		err := json.NewDecoder(io.LimitReader(r.Body, MAX_ENQUEUE_DATA_SIZE)).Decode(&jr)
		if err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if jr.Type == "" {
			badRequest(w, r, createEmptyErr("type", r.URL.Path))
			return
		}
		start := time.Now()
		job, err := m.Enqueue(r.Context(), queue.EnqueueRequest{
			Type:        jr.Type,
			Scope:       jr.Scope,
			Priority:    jr.Priority,
			Data:        jr.Data,
			MaxAttempts: jr.MaxAttempts,
		})
		go metrics.Time("sync_job.create.latency", time.Since(start))
		if err != nil {
			writeEnqueueError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(job)
		go metrics.Increment("sync_job.create.success")
	})
}

func writeEnqueueError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *queue.DuplicateJobError
	switch {
	case errors.Is(err, queue.ErrUnknownJobType):
		badRequest(w, r, &rest.Error{
			Title:    err.Error(),
			ID:       "unknown_job_type",
			Instance: r.URL.Path,
		})
	case errors.Is(err, queue.ErrInvalidData):
		badRequest(w, r, &rest.Error{
			Title:    err.Error(),
			ID:       "invalid_parameter",
			Instance: r.URL.Path,
		})
	case errors.As(err, &dup):
		e := &rest.Error{
			Title:      dup.Error(),
			ID:         "duplicate_job",
			Instance:   r.URL.Path,
			Status: http.StatusConflict,
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(e)
	default:
		var derr *dberror.Error
		if errors.As(err, &derr) {
			badRequest(w, r, &rest.Error{
				Title:    derr.Message,
				ID:       "invalid_parameter",
				Instance: r.URL.Path,
			})
			return
		}
		writeServerError(w, r, err)
	}
}

// GET /v1/sync/jobs
//
// List jobs, optionally narrowed by the status, type, and scope query
// parameters.
func listJobs(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := sync_jobs.Filter{
			Status: models.JobStatus(q.Get("status")),
			Type:   models.JobType(q.Get("type")),
			Scope:  q.Get("scope"),
		}
		if f.Type != "" && !models.KnownType(f.Type) {
			badRequest(w, r, &rest.Error{
				Title:    fmt.Sprintf("Unknown job type: %s", f.Type),
				ID:       "unknown_job_type",
				Instance: r.URL.Path,
			})
			return
		}
		jobs, err := m.GetStatus(r.Context(), f)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.SyncJob{}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"jobs": jobs})
	})
}

// A JobWithRuns is the body of a GET /v1/sync/jobs/:id response.
type JobWithRuns struct {
	*models.SyncJob
	Runs []*models.SyncRun `json:"runs"`
}

// GET /v1/sync/jobs/:id
//
// Get one job and its recent execution history. Returns a 404 if no job with
// that id exists.
func getJob(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getJobRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse {
			return
		}
		job, runs, err := m.GetJob(r.Context(), id)
		if err == sync_jobs.ErrNotFound {
			notFound(w, new404(r))
			go metrics.Increment("sync_job.get.not_found")
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if runs == nil {
			runs = []*models.SyncRun{}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(&JobWithRuns{SyncJob: job, Runs: runs})
		go metrics.Increment("sync_job.get.success")
	})
}

// POST /v1/sync/jobs/:id/cancel
//
// Cancel a pending job, or request cancellation of a running one.
func cancelJob(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := cancelJobRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse {
			return
		}
		job, err := m.CancelJob(r.Context(), id)
		if err == sync_jobs.ErrNotFound {
			// Either no such job, or it already reached a terminal state.
			notFound(w, &rest.Error{
				Title:    "No cancellable job with that id",
				ID:       "job_not_found",
				Instance: r.URL.Path,
			})
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(job)
		go metrics.Increment("sync_job.cancel.success")
	})
}

// A ProcessRequest is the optional body of a POST /v1/sync/process request.
type ProcessRequest struct {
	// How long this invocation may run, as a duration string ("25s").
	// Empty means the server's configured default.
	TimeBudget string `json:"time_budget"`
}

// POST /v1/sync/process
//
// Run one slice of queue work: acquire the most eligible job and drive its
// worker until done or out of budget. Returns the slice summary; an idle
// queue is a 200 with outcome "idle".
func processNext(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var budget time.Duration
		if r.Body != nil {
			defer r.Body.Close()
			var pr ProcessRequest
			// An empty body is fine.
			if err := json.NewDecoder(r.Body).Decode(&pr); err != nil && err != io.EOF {
				badRequest(w, r, &rest.Error{
					ID:    "invalid_request",
					Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
				})
				return
			}
			if pr.TimeBudget != "" {
				d, err := time.ParseDuration(pr.TimeBudget)
				if err != nil {
					badRequest(w, r, &rest.Error{
						Title:    fmt.Sprintf("Invalid time budget: %s", pr.TimeBudget),
						ID:       "invalid_parameter",
						Instance: r.URL.Path,
					})
					return
				}
				budget = d
			}
		}
		res, err := m.ProcessNext(r.Context(), budget)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(res)
	})
}

// A CancelJobsRequest narrows a POST /v1/sync/cancel request. The zero value
// cancels every pending job.
type CancelJobsRequest struct {
	Type  models.JobType `json:"type"`
	Scope string         `json:"scope"`
}

// POST /v1/sync/cancel
//
// Cancel pending jobs and flag matching running jobs for cooperative
// cancellation. The response counts only the pending jobs cancelled.
func cancelJobs(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cr CancelJobsRequest
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&cr); err != nil && err != io.EOF {
				badRequest(w, r, &rest.Error{
					ID:    "invalid_request",
					Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
				})
				return
			}
		}
		n, err := m.CancelJobs(r.Context(), sync_jobs.Filter{Type: cr.Type, Scope: cr.Scope})
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int64{"cancelled": n})
	})
}

// POST /v1/sync/restart
//
// Return jobs stuck in running past the stale threshold to pending. Call
// this on deploy, and periodically as a safety net.
func restartQueue(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := m.RestartQueue(r.Context())
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int64{"reclaimed": n})
	})
}

// A CleanupRequest is the optional body of a POST /v1/sync/cleanup request.
type CleanupRequest struct {
	// Override the retention window, as a duration string ("720h").
	OlderThan string `json:"older_than"`
}

// POST /v1/sync/cleanup
//
// Delete terminal jobs older than the retention window.
func cleanup(m *queue.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var olderThan time.Duration
		if r.Body != nil {
			defer r.Body.Close()
			var cr CleanupRequest
			if err := json.NewDecoder(r.Body).Decode(&cr); err != nil && err != io.EOF {
				badRequest(w, r, &rest.Error{
					ID:    "invalid_request",
					Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
				})
				return
			}
			if cr.OlderThan != "" {
				d, err := time.ParseDuration(cr.OlderThan)
				if err != nil {
					badRequest(w, r, &rest.Error{
						Title:    fmt.Sprintf("Invalid retention window: %s", cr.OlderThan),
						ID:       "invalid_parameter",
						Instance: r.URL.Path,
					})
					return
				}
				olderThan = d
			}
		}
		n, err := m.Cleanup(r.Context(), olderThan)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int64{"removed": n})
	})
}
