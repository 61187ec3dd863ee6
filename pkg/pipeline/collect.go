package pipeline

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/metrics"
	"github.com/xhad/reliabledb/pkg/retry"
	"github.com/xhad/reliabledb/pkg/search"
	"go.uber.org/zap"
)

// collect queries every configured domain and stores references not seen
// before. A failing domain is counted and skipped; auth and quota errors
// stop the stage.
func (p *Pipeline) collect(ctx context.Context, run *stageRun) error {
	if p.deps.Search == nil {
		return missing("search provider")
	}
	if p.deps.State == nil {
		return missing("state store")
	}

	domains := p.config.Domains
	cutoff := p.now().AddDate(0, 0, -p.config.Search.LookbackDays)
	run.start(len(domains))

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	firstSeen := func(u string) bool {
		mu.Lock()
		defer mu.Unlock()
		if seen[u] {
			return false
		}
		seen[u] = true
		return true
	}

	type job struct {
		index  int
		domain config.Domain
	}
	jobs := make([]job, len(domains))
	for i, d := range domains {
		jobs[i] = job{index: i, domain: d}
	}

	var newRefs, dupes int
	var countMu sync.Mutex

	err := forEach(ctx, p.config.Collector.Workers, jobs, func(ctx context.Context, j job) error {
		log := run.log.With(zap.String("domain", j.domain.Domain))

		if j.index > 0 {
			if err := p.sleep(ctx, p.politeWait()); err != nil {
				return err
			}
		}

		// Pages fetched before a failure are still stored.
		results, query, searchErr := p.searchDomain(ctx, j.domain)

		added := 0
		for _, r := range results {
			ref, ok := p.toReference(j.domain, query, r, cutoff)
			if !ok || !firstSeen(ref.URL) {
				continue
			}
			inserted, err := p.deps.State.InsertReference(ctx, ref)
			if err != nil {
				return err
			}
			if inserted {
				added++
			}
		}

		countMu.Lock()
		newRefs += added
		dupes += len(results) - added
		countMu.Unlock()

		if searchErr != nil {
			if failure.Fatal(searchErr) {
				return searchErr
			}
			log.Warn("domain search failed", zap.Error(searchErr),
				zap.String("kind", string(failure.KindOf(searchErr))), zap.Int("new", added))
			run.record(metrics.OutcomeFailed)
			return nil
		}

		log.Info("domain collected", zap.Int("results", len(results)), zap.Int("new", added))
		run.record(metrics.OutcomeOK)
		return nil
	})

	run.log.Info("references collected", zap.Int("new", newRefs), zap.Int("dropped_or_known", dupes))
	return err
}

// searchDomain pages through the provider's results for one domain.
func (p *Pipeline) searchDomain(ctx context.Context, d config.Domain) ([]types.SearchResult, string, error) {
	req := types.SearchRequest{
		Domain:           d.Domain,
		PublicationToken: d.PublicationToken,
		LookbackDays:     p.config.Search.LookbackDays,
	}
	query := d.PublicationToken
	if query == "" {
		req.Query = strings.Join(p.config.Search.QueryTerms, " ")
		query = search.BuildQuery(d.Domain, req.Query, req.LookbackDays)
	}

	cfg := p.config.Collector.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(metrics.TargetSearch).Inc()
	}

	var results []types.SearchResult
	for page := 0; page < max(p.config.Collector.MaxPages, 1); page++ {
		var res types.SearchPage
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			start := time.Now()
			defer metrics.ObserveCall(metrics.TargetSearch, start)

			var err error
			res, err = p.deps.Search.Search(ctx, req)
			return err
		})
		if err != nil {
			return results, query, err
		}

		results = append(results, res.Results...)
		if !res.HasMore || len(res.Results) < p.config.Search.PageSize {
			break
		}
		req.Start = res.NextStart
	}
	return results, query, nil
}

// toReference drops results from other hosts, results older than the
// lookback window, and urls that do not canonicalize.
func (p *Pipeline) toReference(d config.Domain, query string, r types.SearchResult, cutoff time.Time) (models.ArticleReference, bool) {
	canonical, err := models.CanonicalURL(r.URL)
	if err != nil {
		return models.ArticleReference{}, false
	}
	u, err := url.Parse(canonical)
	if err != nil || !models.HostMatches(u.Host, d.Domain) {
		return models.ArticleReference{}, false
	}
	if !r.Published.IsZero() && r.Published.Before(cutoff) {
		return models.ArticleReference{}, false
	}

	return models.ArticleReference{
		URL:          canonical,
		SourceDomain: d.Domain,
		DiscoveredAt: p.now(),
		SearchQuery:  query,
		Title:        r.Title,
		Snippet:      r.Snippet,
		Publisher:    r.Publisher,
		Authors:      r.Authors,
		SerpDate:     r.Date,
		Lean:         d.Lean,
	}, true
}

// politeWait is a jittered pause between domain queries.
func (p *Pipeline) politeWait() time.Duration {
	lo, hi := p.config.Collector.MinWait, p.config.Collector.MaxWait
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
