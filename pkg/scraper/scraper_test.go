package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/retry"
)

var storyText = strings.Repeat("The city council approved the new transit budget after a long debate. ", 8)

func articleHTML(body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>Council approves budget</title></head>
<body>
<nav>Home | World | Business</nav>
<article><h1>Council approves budget</h1><p>%s</p></article>
<footer>Privacy Policy</footer>
</body></html>`, body)
}

func testScraper(t *testing.T, mutate func(*ScraperConfig)) *Scraper {
	t.Helper()
	config := ScraperConfig{
		RateLimit:     1000,
		Timeout:       5 * time.Second,
		MinTextLength: 100,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&config)
	}
	s, err := NewWithConfig(config)
	require.NoError(t, err)
	return s
}

func TestFetchArticle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML(storyText))
	}))
	defer server.Close()

	s := testScraper(t, nil)
	page, err := s.Fetch(context.Background(), server.URL+"/news/budget")
	require.NoError(t, err)

	assert.Equal(t, server.URL+"/news/budget", page.URL)
	assert.Contains(t, page.Title, "Council approves budget")
	assert.Contains(t, page.Text, "transit budget")
	assert.NotContains(t, page.Text, "<p>")
	assert.NotContains(t, page.Text, "Privacy Policy")
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML(storyText))
	}))
	defer server.Close()

	var retries int
	s := testScraper(t, func(c *ScraperConfig) {
		c.OnRetry = func(error) { retries++ }
	})
	_, err := s.Fetch(context.Background(), server.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, retries)
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		path      string
		kind      failure.Kind
		reason    string
		retryable bool
	}{
		{
			name: "persistent 503",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			path:      "/a",
			kind:      failure.KindTransient,
			retryable: true,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			path:   "/gone",
			kind:   failure.KindContentExtraction,
			reason: "not found (status 404)",
		},
		{
			name: "forbidden is per item",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			path:   "/locked",
			kind:   failure.KindContentExtraction,
			reason: "access denied (status 403)",
		},
		{
			name: "paywall",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				fmt.Fprint(w, `<html><head><title>Premium</title></head><body>
<article><p>The first paragraph of the story.</p>
<div class="paywall">Subscribe to continue reading.</div></article></body></html>`)
			},
			path:   "/premium",
			kind:   failure.KindContentExtraction,
			reason: "paywall detected",
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				fmt.Fprint(w, `<html><head><title>Video</title></head><body><p>Watch the clip.</p></body></html>`)
			},
			path:   "/video",
			kind:   failure.KindContentExtraction,
			reason: "empty body",
		},
		{
			name: "non-HTML",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{}`)
			},
			path: "/feed",
			kind: failure.KindSkipped,
		},
		{
			name: "ignored extension",
			handler: func(w http.ResponseWriter, r *http.Request) {
				t.Error("ignored url must not be requested")
			},
			path: "/report.pdf",
			kind: failure.KindSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			s := testScraper(t, func(c *ScraperConfig) { c.IgnoreRobots = true })
			_, err := s.Fetch(context.Background(), server.URL+tt.path)
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))
			assert.Equal(t, tt.retryable, failure.Retryable(err))
			assert.False(t, failure.Fatal(err))
			if tt.reason != "" {
				assert.Equal(t, tt.reason, failure.Reason(err))
			}
		})
	}
}

func TestFetchHonorsRobots(t *testing.T) {
	var articleHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
			return
		}
		articleHits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML(storyText))
	}))
	defer server.Close()

	s := testScraper(t, nil)

	_, err := s.Fetch(context.Background(), server.URL+"/private/story")
	require.Error(t, err)
	assert.Equal(t, failure.KindSkipped, failure.KindOf(err))
	assert.Equal(t, "disallowed by robots.txt", failure.Reason(err))
	assert.Equal(t, int32(0), articleHits.Load())

	_, err = s.Fetch(context.Background(), server.URL+"/public/story")
	require.NoError(t, err)
	assert.Equal(t, int32(1), articleHits.Load())
}

func TestIgnorePatterns(t *testing.T) {
	s := testScraper(t, func(c *ScraperConfig) { c.IgnorePatterns = []string{"/video/"} })

	err := s.shouldProcessURL("https://example.com/video/clip-1")
	assert.Equal(t, failure.KindSkipped, failure.KindOf(err))

	assert.NoError(t, s.shouldProcessURL("https://example.com/world/story-1"))
	assert.Equal(t, failure.KindContentExtraction, failure.KindOf(s.shouldProcessURL("not a url")))
}

func TestUserAgentRotation(t *testing.T) {
	s := testScraper(t, func(c *ScraperConfig) { c.UserAgents = []string{"a", "b"} })
	assert.Equal(t, []string{"a", "b", "a"}, []string{s.nextUserAgent(), s.nextUserAgent(), s.nextUserAgent()})
}
