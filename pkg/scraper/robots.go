package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const maxRobotsBytes = 512 << 10

// robotsCache holds one parsed robots.txt per scheme and host.
type robotsCache struct {
	client  *http.Client
	agent   string
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsCache(client *http.Client, agent string, timeout time.Duration) *robotsCache {
	return &robotsCache{
		client:  client,
		agent:   agent,
		timeout: timeout,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// allowed reports whether the agent may fetch rawURL. A robots.txt that
// cannot be fetched returns an error and callers allow the request.
func (r *robotsCache) allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}

	data, err := r.getOrFetch(ctx, u.Scheme, strings.ToLower(u.Host))
	if err != nil {
		return true, err
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return data.TestAgent(target, r.agent), nil
}

func (r *robotsCache) getOrFetch(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	key := scheme + "://" + host

	r.mu.RLock()
	data, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := r.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = data
	r.mu.Unlock()
	return data, nil
}

func (r *robotsCache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.agent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robots: fetch %s: %w", origin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("robots: read %s: %w", origin, err)
	}

	// 4xx allows everything, 5xx disallows everything.
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}
