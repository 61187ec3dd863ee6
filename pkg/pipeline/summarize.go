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

// summarize runs every pending ok article through the summarizer. Auth,
// quota and cancellation stop the stage; anything else fails the item.
func (p *Pipeline) summarize(ctx context.Context, run *stageRun, reprocess bool) error {
	if p.deps.Summarizer == nil {
		return missing("summarizer")
	}
	if p.deps.State == nil {
		return missing("state store")
	}

	articles, err := p.deps.State.PendingSummaries(ctx, p.config.Summarizer.MaxAttempts, reprocess)
	if err != nil {
		return err
	}
	run.start(len(articles))
	run.log.Info("pending summaries", zap.Int("count", len(articles)))

	return forEach(ctx, p.config.Summarizer.Workers, articles, func(ctx context.Context, a models.Article) error {
		start := time.Now()
		res, sumErr := p.deps.Summarizer.Summarize(ctx, a.RawText)
		metrics.ObserveCall(metrics.TargetLLM, start)

		if sumErr != nil && (failure.Fatal(sumErr) || ctx.Err() != nil) {
			return sumErr
		}

		model := res.Model
		if model == "" {
			model = p.config.Summarizer.Model
		}
		summary := models.Summary{
			URL:              a.URL,
			ModelUsed:        model,
			SummarizedAt:     p.now(),
			FinishReason:     res.FinishReason,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.TotalTokens,
		}
		outcome := metrics.OutcomeOK

		if sumErr == nil {
			summary.Status = models.SummaryOK
			summary.SummaryText = res.Text
		} else {
			summary.Status = models.SummaryFailed
			summary.FailureReason = failure.Reason(sumErr)
			summary.Retryable = failure.Retryable(sumErr)
			outcome = metrics.OutcomeFailed
			run.log.Warn("summary failed",
				zap.String("url", a.URL),
				zap.String("kind", string(failure.KindOf(sumErr))),
				zap.Bool("retryable", summary.Retryable),
				zap.Error(sumErr))
		}

		if err := p.deps.State.SaveSummary(ctx, summary); err != nil {
			return fmt.Errorf("failed to record summary of %s: %w", a.URL, err)
		}
		run.record(outcome)
		return nil
	})
}
