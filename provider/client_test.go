package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavelhq/docket/rest"
	"github.com/gavelhq/docket/test"
)

func TestCourtsListPagination(t *testing.T) {
	t.Parallel()
	var gotPath, gotToken, gotSize string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("page_token")
		gotSize = r.URL.Query().Get("page_size")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"courts": []map[string]string{
				{"provider_id": "crt_1", "name": "Supreme Court", "jurisdiction": "us", "level": "supreme"},
			},
			"next_page_token": "tok_2",
		})
	}))
	defer s.Close()

	c := NewClient("id", "token", s.URL)
	page, err := c.Courts.List(context.Background(), ListParams{PageToken: "tok_1", PageSize: 25})
	test.AssertNotError(t, err, "list courts")
	test.AssertEquals(t, gotPath, "/v1/courts")
	test.AssertEquals(t, gotToken, "tok_1")
	test.AssertEquals(t, gotSize, "25")
	test.AssertEquals(t, len(page.Courts), 1)
	test.AssertEquals(t, page.Courts[0].ProviderID, "crt_1")
	test.AssertEquals(t, page.NextPageToken, "tok_2")
}

func TestListDefaultsPageSize(t *testing.T) {
	t.Parallel()
	var gotSize string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSize = r.URL.Query().Get("page_size")
		w.Write([]byte(`{"judges": [], "next_page_token": ""}`))
	}))
	defer s.Close()

	c := NewClient("id", "token", s.URL)
	page, err := c.Judges.List(context.Background(), ListParams{})
	test.AssertNotError(t, err, "list judges")
	test.AssertEquals(t, gotSize, "100")
	test.AssertEquals(t, page.NextPageToken, "")
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title": "too many requests", "id": "rate_limited"}`))
	}))
	defer s.Close()

	c := NewClient("id", "token", s.URL)
	_, err := c.Decisions.List(context.Background(), ListParams{})
	test.AssertError(t, err, "expected rate limit error")
	var rle *RateLimitError
	test.Assert(t, errors.As(err, &rle), "expected a RateLimitError")
	test.Assert(t, IsRetryable(err), "rate limits should be retryable")
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{&RateLimitError{}, true},
		{&rest.Error{Title: "bad gateway", StatusCode: 502}, true},
		{&rest.Error{Title: "not found", StatusCode: 404}, false},
		{context.DeadlineExceeded, true},
		{errors.New("json: cannot unmarshal"), false},
	}
	for _, tt := range cases {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v): got %t, want %t", tt.err, got, tt.retryable)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"courts": []}`))
	}))
	defer s.Close()

	c := NewClient("id", "token", s.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Courts.List(ctx, ListParams{})
	test.AssertError(t, err, "expected a timeout")
	test.Assert(t, IsRetryable(err), "timeouts should be retryable")
}
