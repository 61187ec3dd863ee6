// Package search queries SerpAPI's Google News engine for recent article
// links from one publisher at a time.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
)

var _ types.SearchProvider = (*SerpAPI)(nil)

type Config struct {
	BaseURL    string
	APIKey     string
	GL         string
	HL         string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type SerpAPI struct {
	config Config
	client *http.Client
}

func NewWithConfig(config Config) (*SerpAPI, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://serpapi.com/search.json"
	}
	if config.APIKey == "" {
		return nil, failure.Auth("search API key is not set", nil)
	}
	if config.GL == "" {
		config.GL = "us"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid search base url: %w", err)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &SerpAPI{config: config, client: client}, nil
}

type serpResponse struct {
	Error       string         `json:"error"`
	NewsResults []newsResult   `json:"news_results"`
	Pagination  serpPagination `json:"serpapi_pagination"`
}

type serpPagination struct {
	Next string `json:"next"`
}

// Story clusters carry their articles in Highlight and Stories instead of
// a top-level link.
type newsResult struct {
	Link      string       `json:"link"`
	Title     string       `json:"title"`
	Snippet   string       `json:"snippet"`
	Date      string       `json:"date"`
	ISODate   string       `json:"iso_date"`
	Source    newsSource   `json:"source"`
	Highlight *newsResult  `json:"highlight"`
	Stories   []newsResult `json:"stories"`
}

type newsSource struct {
	Name    string   `json:"name"`
	Authors []string `json:"authors"`
}

// Search fetches one page of results for a domain. A token-scoped query
// cannot carry a free-text query, so recency is filtered by the caller.
func (s *SerpAPI) Search(ctx context.Context, req types.SearchRequest) (types.SearchPage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("engine", "google_news")
	params.Set("api_key", s.config.APIKey)
	params.Set("gl", s.config.GL)
	if s.config.HL != "" {
		params.Set("hl", s.config.HL)
	}
	if req.PublicationToken != "" {
		params.Set("publication_token", req.PublicationToken)
	} else {
		params.Set("q", BuildQuery(req.Domain, req.Query, req.LookbackDays))
	}
	if req.Start > 0 {
		params.Set("start", strconv.Itoa(req.Start))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return types.SearchPage{}, fmt.Errorf("failed to build search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.SearchPage{}, failure.New(failure.KindCancelled, "search cancelled", err)
		}
		return types.SearchPage{}, failure.Transient("search request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return types.SearchPage{}, failure.Transient("failed to read search response", err)
	}

	var parsed serpResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return types.SearchPage{}, failure.Transient("malformed search response", jsonErr)
	}

	if parsed.Error != "" && !isEmptyResultError(parsed.Error) {
		classified := failure.Classify(errors.New(parsed.Error))
		if classified.Kind == failure.KindContentExtraction {
			if statusErr := failure.FromStatus(resp.StatusCode, "search API"); statusErr != nil {
				return types.SearchPage{}, fmt.Errorf("%s: %w", parsed.Error, statusErr)
			}
		}
		return types.SearchPage{}, classified
	}
	if err := failure.FromStatus(resp.StatusCode, "search API"); err != nil {
		return types.SearchPage{}, err
	}

	page := types.SearchPage{}
	for _, item := range flatten(parsed.NewsResults) {
		page.Results = append(page.Results, toResult(item))
	}
	if next := parsed.Pagination.Next; next != "" {
		if start := startParam(next); start > req.Start {
			page.NextStart = start
			page.HasMore = true
		}
	}
	return page, nil
}

// BuildQuery is the free-text query used when a domain has no
// publication token.
func BuildQuery(domain, terms string, lookbackDays int) string {
	parts := []string{"site:" + domain}
	if t := strings.TrimSpace(terms); t != "" {
		parts = append(parts, t)
	}
	if lookbackDays > 0 {
		parts = append(parts, fmt.Sprintf("when:%dd", lookbackDays))
	}
	return strings.Join(parts, " ")
}

func flatten(items []newsResult) []newsResult {
	var out []newsResult
	for _, item := range items {
		if item.Link != "" {
			out = append(out, item)
		}
		if item.Highlight != nil && item.Highlight.Link != "" {
			out = append(out, *item.Highlight)
		}
		for _, story := range item.Stories {
			if story.Link != "" {
				out = append(out, story)
			}
		}
	}
	return out
}

func toResult(item newsResult) types.SearchResult {
	return types.SearchResult{
		URL:       item.Link,
		Title:     item.Title,
		Snippet:   item.Snippet,
		Publisher: item.Source.Name,
		Authors:   strings.Join(item.Source.Authors, ","),
		Date:      item.Date,
		Published: ParseDate(item.ISODate, item.Date),
	}
}

var dateLayouts = []string{
	"01/02/2006, 03:04 PM, -0700 MST",
	"01/02/2006, 03:04 PM, -0700",
	"01/02/2006",
}

// ParseDate reads SerpAPI's iso_date, falling back to its display date.
// The zero time means the date is unknown.
func ParseDate(isoDate, display string) time.Time {
	if isoDate != "" {
		if t, err := time.Parse(time.RFC3339, isoDate); err == nil {
			return t
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, display); err == nil {
			return t
		}
	}
	return time.Time{}
}

func startParam(next string) int {
	u, err := url.Parse(next)
	if err != nil {
		return 0
	}
	start, err := strconv.Atoi(u.Query().Get("start"))
	if err != nil {
		return 0
	}
	return start
}

func isEmptyResultError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "hasn't returned any results")
}
