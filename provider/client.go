// Package provider is the API client for the judicial records provider. It
// exposes paginated listings of courts, judges, and decisions; every page
// request is a single HTTP call, so callers can check their budget between
// pages.
package provider

import (
	"net/http"
	"time"

	godebug "github.com/Shyp/go-debug"
	"github.com/gavelhq/docket/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var debug = godebug.Debug("provider")

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// DefaultPageSize is used when a ListParams has no PageSize.
const DefaultPageSize = 100

type Client struct {
	*rest.Client

	Courts    *CourtService
	Judges    *JudgeService
	Decisions *DecisionService
}

// NewClient creates a new Client that authenticates with the given basic
// auth credentials.
func NewClient(id, token, base string) *Client {
	c := &Client{Client: &rest.Client{
		Id:     id,
		Token:  token,
		Client: httpClient,
		Base:   base,
	}}
	c.Courts = &CourtService{Client: c}
	c.Judges = &JudgeService{Client: c}
	c.Decisions = &DecisionService{Client: c}
	return c
}

// ListParams narrow a page request. The zero value asks for the first page
// of everything at the default page size.
type ListParams struct {
	// Jurisdiction limits results to one jurisdiction ("ca9").
	Jurisdiction string

	// PageToken resumes a listing where a previous page left off. Tokens
	// are opaque and may be persisted between invocations.
	PageToken string

	PageSize int

	// UpdatedSince limits results to records changed at or after this
	// time. The provider treats the zero value as "everything".
	UpdatedSince time.Time
}
