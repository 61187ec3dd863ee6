package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ types.PageFetcher = (*Scraper)(nil)

type ScraperConfig struct {
	RateLimit      float64 // requests per second
	Timeout        time.Duration
	UserAgents     []string
	IgnoreRobots   bool
	RobotsAgent    string
	IgnorePatterns []string
	// SkipExtensions lists url path suffixes that are never articles.
	SkipExtensions []string
	MinTextLength  int
	MaxBodyBytes   int64
	Retry          retry.Config
	HTTPClient     *http.Client
	Logger         *zap.Logger
	OnRetry        func(err error)
}

// Scraper fetches article pages and extracts their body text.
type Scraper struct {
	config    ScraperConfig
	client    *http.Client
	limiter   *rate.Limiter
	robots    *robotsCache
	sanitizer *bluemonday.Policy
	uaNext    atomic.Uint32
	log       *zap.Logger
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative")
	}
	if len(config.UserAgents) == 0 {
		config.UserAgents = []string{"Mozilla/5.0 (compatible; reliabledb/1.0)"}
	}
	if config.RobotsAgent == "" {
		config.RobotsAgent = "reliabledb"
	}
	if len(config.SkipExtensions) == 0 {
		config.SkipExtensions = []string{".pdf", ".mp3", ".mp4", ".jpg", ".jpeg", ".png", ".gif", ".zip", ".xml"}
	}
	if config.MinTextLength == 0 {
		config.MinTextLength = 200
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 5 << 20
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: config.Timeout,
		}
	}

	s := &Scraper{
		config:    config,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		sanitizer: bluemonday.StrictPolicy(),
		log:       config.Logger,
	}
	if !config.IgnoreRobots {
		s.robots = newRobotsCache(client, config.RobotsAgent, config.Timeout)
	}
	return s, nil
}

func (s *Scraper) shouldProcessURL(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Host == "" {
		return failure.Extraction(fmt.Sprintf("invalid url %q", urlStr))
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return failure.Skip(fmt.Sprintf("unsupported scheme %q", parsedURL.Scheme))
	}

	ext := strings.ToLower(path.Ext(parsedURL.Path))
	for _, skip := range s.config.SkipExtensions {
		if ext == skip {
			return failure.Skip(fmt.Sprintf("non-article extension %s", ext))
		}
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return failure.Skip(fmt.Sprintf("matches ignore pattern %q", pattern))
		}
	}

	return nil
}

// Fetch downloads one article and returns its extracted text. Every
// failure is a classified error: skips, extraction failures, or
// transient/rate-limit errors that survived the retry budget.
func (s *Scraper) Fetch(ctx context.Context, urlStr string) (types.Page, error) {
	if err := s.shouldProcessURL(urlStr); err != nil {
		return types.Page{}, err
	}

	if s.robots != nil {
		allowed, err := s.robots.allowed(ctx, urlStr)
		if err != nil {
			s.log.Debug("robots.txt unavailable, allowing", zap.String("url", urlStr), zap.Error(err))
		} else if !allowed {
			return types.Page{}, failure.Skip("disallowed by robots.txt")
		}
	}

	cfg := s.config.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.Debug("retrying fetch",
			zap.String("url", urlStr),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if s.config.OnRetry != nil {
			s.config.OnRetry(err)
		}
	}

	var page types.Page
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		page, err = s.fetchOnce(ctx, urlStr)
		return err
	})
	if err != nil {
		return types.Page{}, err
	}
	return page, nil
}

func (s *Scraper) fetchOnce(ctx context.Context, urlStr string) (types.Page, error) {
	// Apply rate limiting
	if err := s.limiter.Wait(ctx); err != nil {
		return types.Page{}, failure.New(failure.KindCancelled, "rate limiter wait aborted", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return types.Page{}, failure.Extraction(fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("User-Agent", s.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return types.Page{}, failure.New(failure.KindCancelled, "fetch cancelled", err)
		}
		return types.Page{}, failure.Transient("fetch failed", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return types.Page{}, err
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
			return types.Page{}, failure.Skip(fmt.Sprintf("non-HTML content type %s", mediaType))
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBodyBytes))
	if err != nil {
		return types.Page{}, failure.Transient("failed to read body", err)
	}

	finalURL := urlStr
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	title, text, err := s.extract(body, finalURL)
	if err != nil {
		return types.Page{}, err
	}

	return types.Page{URL: urlStr, Title: title, Text: text}, nil
}

// statusError maps an article page's status. Access-denied responses are
// per-item failures here, never stage-fatal credential errors.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return failure.RateLimit(fmt.Sprintf("status %d", code), nil)
	case code == http.StatusRequestTimeout || code >= 500:
		return failure.Transient(fmt.Sprintf("status %d", code), nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return failure.Extraction(fmt.Sprintf("access denied (status %d)", code))
	case code == http.StatusNotFound || code == http.StatusGone:
		return failure.Extraction(fmt.Sprintf("not found (status %d)", code))
	default:
		return failure.Extraction(fmt.Sprintf("unexpected status %d", code))
	}
}

func (s *Scraper) nextUserAgent() string {
	i := s.uaNext.Add(1) - 1
	return s.config.UserAgents[int(i)%len(s.config.UserAgents)]
}
