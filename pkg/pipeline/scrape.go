package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/metrics"
	"go.uber.org/zap"
)

// scrape fetches every pending reference and records the outcome. Only
// cancellation and store errors stop the stage.
func (p *Pipeline) scrape(ctx context.Context, run *stageRun, reprocess bool) error {
	if p.deps.Fetcher == nil {
		return missing("page fetcher")
	}
	if p.deps.State == nil {
		return missing("state store")
	}

	refs, err := p.deps.State.PendingScrapes(ctx, p.config.Scraper.MaxAttempts, reprocess)
	if err != nil {
		return err
	}
	run.start(len(refs))
	run.log.Info("pending scrapes", zap.Int("count", len(refs)))

	return forEach(ctx, p.config.Scraper.Workers, refs, func(ctx context.Context, ref models.ArticleReference) error {
		start := time.Now()
		page, fetchErr := p.deps.Fetcher.Fetch(ctx, ref.URL)
		metrics.ObserveCall(metrics.TargetFetch, start)

		if fetchErr != nil && (ctx.Err() != nil || failure.KindOf(fetchErr) == failure.KindCancelled) {
			return fetchErr
		}

		article := models.Article{
			URL:       ref.URL,
			ScrapedAt: p.now(),
		}
		outcome := metrics.OutcomeOK

		switch {
		case fetchErr == nil:
			article.Status = models.ScrapeOK
			article.Title = page.Title
			if article.Title == "" {
				article.Title = ref.Title
			}
			article.RawText = page.Text
		case failure.KindOf(fetchErr) == failure.KindSkipped:
			article.Status = models.ScrapeSkipped
			article.FailureReason = failure.Reason(fetchErr)
			outcome = metrics.OutcomeSkipped
			run.log.Info("article skipped", zap.String("url", ref.URL), zap.String("reason", article.FailureReason))
		default:
			article.Status = models.ScrapeFailed
			article.FailureReason = failure.Reason(fetchErr)
			article.Retryable = failure.Retryable(fetchErr)
			outcome = metrics.OutcomeFailed
			run.log.Warn("scrape failed",
				zap.String("url", ref.URL),
				zap.String("kind", string(failure.KindOf(fetchErr))),
				zap.Bool("retryable", article.Retryable),
				zap.Error(fetchErr))
		}

		if err := p.deps.State.SaveArticle(ctx, article); err != nil {
			return fmt.Errorf("failed to record scrape of %s: %w", ref.URL, err)
		}
		run.record(outcome)
		return nil
	})
}
