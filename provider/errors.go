package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gavelhq/docket/rest"
)

// A RateLimitError indicates the provider returned a 429 and the caller
// should back off before the next request.
type RateLimitError struct {
	// What the provider said, usually "too many requests".
	Title string
}

func (e *RateLimitError) Error() string {
	if e.Title == "" {
		return "provider: rate limited"
	}
	return "provider: " + e.Title
}

// wrapError converts a 429 into a RateLimitError and passes everything else
// through.
func wrapError(err error) error {
	var rerr *rest.Error
	if errors.As(err, &rerr) && rerr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Title: rerr.Title}
	}
	return err
}

// IsRetryable reports whether a request that failed with err may succeed if
// repeated: rate limits, server errors, timeouts, and transport failures
// are transient; anything the caller can't change by retrying is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var rerr *rest.Error
	if errors.As(err, &rerr) {
		return rerr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	// Unmarshal failures and other local errors will recur on a retry.
	return false
}
