package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gavelhq/docket/models"
)

func (p ListParams) values() url.Values {
	v := url.Values{}
	if p.Jurisdiction != "" {
		v.Set("jurisdiction", p.Jurisdiction)
	}
	if p.PageToken != "" {
		v.Set("page_token", p.PageToken)
	}
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	v.Set("page_size", strconv.Itoa(size))
	if !p.UpdatedSince.IsZero() {
		v.Set("updated_since", p.UpdatedSince.UTC().Format(time.RFC3339))
	}
	return v
}

func (c *Client) listPage(ctx context.Context, path string, p ListParams, v interface{}) error {
	uri := fmt.Sprintf("%s?%s", path, p.values().Encode())
	debug("GET %s", uri)
	req, err := c.NewRequest(ctx, "GET", uri, nil)
	if err != nil {
		return err
	}
	return wrapError(c.Do(req, v))
}

type CourtService struct {
	Client *Client
}

// A CourtPage is one page of court records. An empty NextPageToken means the
// listing is complete.
type CourtPage struct {
	Courts        []models.Court `json:"courts"`
	NextPageToken string         `json:"next_page_token"`
}

// List fetches one page of courts.
func (s *CourtService) List(ctx context.Context, p ListParams) (*CourtPage, error) {
	page := new(CourtPage)
	if err := s.Client.listPage(ctx, "/v1/courts", p, page); err != nil {
		return nil, err
	}
	return page, nil
}

type JudgeService struct {
	Client *Client
}

type JudgePage struct {
	Judges        []models.Judge `json:"judges"`
	NextPageToken string         `json:"next_page_token"`
}

// List fetches one page of judges.
func (s *JudgeService) List(ctx context.Context, p ListParams) (*JudgePage, error) {
	page := new(JudgePage)
	if err := s.Client.listPage(ctx, "/v1/judges", p, page); err != nil {
		return nil, err
	}
	return page, nil
}

type DecisionService struct {
	Client *Client
}

type DecisionPage struct {
	Decisions     []models.Decision `json:"decisions"`
	NextPageToken string            `json:"next_page_token"`
}

// List fetches one page of decisions.
func (s *DecisionService) List(ctx context.Context, p ListParams) (*DecisionPage, error) {
	page := new(DecisionPage)
	if err := s.Client.listPage(ctx, "/v1/decisions", p, page); err != nil {
		return nil, err
	}
	return page, nil
}
