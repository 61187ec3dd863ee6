package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/metrics"
	"github.com/xhad/reliabledb/pkg/processor"
	"github.com/xhad/reliabledb/pkg/retry"
	"go.uber.org/zap"
)

// index embeds every ok summary whose records are missing or stale and
// upserts them. Unchanged records are skipped.
func (p *Pipeline) index(ctx context.Context, run *stageRun) error {
	if p.deps.Embedder == nil {
		return missing("embedder")
	}
	if p.deps.State == nil {
		return missing("state store")
	}
	if p.deps.Vectors == nil {
		return missing("vector store")
	}

	switched, err := p.deps.Vectors.ApplyMetric(ctx)
	if err != nil {
		return err
	}
	if switched {
		run.log.Info("distance metric changed, re-indexing every summary",
			zap.String("metric", string(p.deps.Vectors.Metric())))
	}

	candidates, err := p.deps.State.IndexCandidates(ctx)
	if err != nil {
		return err
	}
	run.start(len(candidates))

	split := p.config.Indexer.Split
	splitter := processor.NewWithConfig(processor.ProcessorConfig{
		Mode:         split.Mode,
		ChunkSize:    split.ChunkSize,
		ChunkOverlap: split.ChunkOverlap,
	})

	upsertRetry := p.config.Indexer.Retry
	upsertRetry.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(metrics.TargetUpsert).Inc()
	}
	upsertRetry.IsRetryable = func(err error) bool {
		return !failure.Fatal(err)
	}

	return forEach(ctx, p.config.Indexer.Workers, candidates, func(ctx context.Context, c models.IndexCandidate) error {
		url := c.Summary.URL
		records := BuildRecords(c, &splitter, p.deps.Vectors.Metric())
		if len(records) == 0 {
			run.record(metrics.OutcomeSkipped)
			return nil
		}

		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		stored, err := p.deps.Vectors.Hashes(ctx, ids)
		if err != nil {
			return itemFailed(ctx, run, "reading stored hashes failed", url, err)
		}
		if unchanged(records, stored) {
			run.record(metrics.OutcomeSkipped)
			return nil
		}

		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = r.Document
		}
		start := time.Now()
		vectors, err := p.deps.Embedder.CreateEmbedding(ctx, texts)
		metrics.ObserveCall(metrics.TargetEmbed, start)
		if err != nil {
			return itemFailed(ctx, run, "embedding failed", url, err)
		}
		if len(vectors) != len(records) {
			run.log.Warn("embedding count mismatch", zap.String("url", url),
				zap.Int("want", len(records)), zap.Int("got", len(vectors)))
			run.record(metrics.OutcomeFailed)
			return nil
		}
		for i := range records {
			records[i].Embedding = vectors[i]
		}

		err = retry.Do(ctx, upsertRetry, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.config.Indexer.Timeout)
			defer cancel()
			defer metrics.ObserveCall(metrics.TargetUpsert, time.Now())
			return p.deps.Vectors.Upsert(callCtx, url, records)
		})
		if err != nil {
			return itemFailed(ctx, run, "upsert failed", url, err)
		}

		run.record(metrics.OutcomeOK)
		return nil
	})
}

// itemFailed records a failed item and keeps the stage going, unless the
// error is fatal or the run was cancelled.
func itemFailed(ctx context.Context, run *stageRun, msg, url string, err error) error {
	if failure.Fatal(err) || ctx.Err() != nil {
		return err
	}
	run.log.Warn(msg, zap.String("url", url), zap.Error(err), zap.String("kind", string(failure.KindOf(err))))
	run.record(metrics.OutcomeFailed)
	return nil
}

// BuildRecords turns one summary into its vector records, one per piece
// the splitter yields. Embeddings are left empty.
func BuildRecords(c models.IndexCandidate, splitter *processor.Processor, metric models.DistanceMetric) []models.VectorRecord {
	pieces := splitter.Split(c.Summary.SummaryText)
	if len(pieces) == 0 {
		return nil
	}

	url := c.Summary.URL
	meta := map[string]string{
		models.MetaURL:          url,
		models.MetaSourceDomain: c.Reference.SourceDomain,
		models.MetaSummaryText:  c.Summary.SummaryText,
		models.MetaPublisher:    c.Reference.Publisher,
		models.MetaTitle:        c.Reference.Title,
		models.MetaSerpDate:     c.Reference.SerpDate,
		models.MetaLean:         c.Reference.Lean,
	}

	if splitter.Mode() == processor.ModeNone {
		return []models.VectorRecord{{
			ID:             models.RecordID(url, -1),
			URL:            url,
			Document:       pieces[0],
			DistanceMetric: metric,
			ContentHash:    models.ContentHash(pieces[0], meta),
			Metadata:       meta,
		}}
	}

	records := make([]models.VectorRecord, len(pieces))
	for i, piece := range pieces {
		records[i] = models.VectorRecord{
			ID:             models.RecordID(url, i),
			URL:            url,
			ChunkIndex:     i,
			Document:       piece,
			DistanceMetric: metric,
			ContentHash:    models.ContentHash(fmt.Sprintf("%d/%d\x00%s", i, len(pieces), piece), meta),
			Metadata:       meta,
		}
	}
	return records
}

func unchanged(records []models.VectorRecord, stored map[string]string) bool {
	for _, r := range records {
		if stored[r.ID] != r.ContentHash {
			return false
		}
	}
	return true
}
