package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/llm"
	"github.com/xhad/reliabledb/pkg/metrics"
	"github.com/xhad/reliabledb/pkg/pipeline"
	"github.com/xhad/reliabledb/pkg/scraper"
	"github.com/xhad/reliabledb/pkg/search"
	"github.com/xhad/reliabledb/pkg/store"
	"go.uber.org/zap"
)

// buildDeps opens only the adapters the selected stages use. An adapter
// that fails to build marks its stage broken, so the other stages still
// run. The returned cleanup closes every store that was opened.
func buildDeps(ctx context.Context, cfg *config.Config, log *zap.Logger, stages []string) (pipeline.Deps, func(), error) {
	deps := pipeline.Deps{Logger: log, Broken: map[string]error{}}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}
	broken := func(stage string, err error) {
		log.Error("stage adapter unavailable", zap.String("stage", stage), zap.Error(err))
		deps.Broken[stage] = err
	}

	// Every stage reads or writes the state store.
	state, err := store.OpenState(ctx, cfg.Store.StatePath)
	if err != nil {
		return pipeline.Deps{}, func() {}, err
	}
	closers = append(closers, state.Close)
	deps.State = state

	if slices.Contains(stages, pipeline.StageCollect) {
		client, err := search.NewWithConfig(search.Config{
			BaseURL: cfg.Search.BaseURL,
			APIKey:  cfg.Search.APIKey,
			GL:      cfg.Search.GL,
			HL:      cfg.Search.HL,
			Timeout: cfg.Search.Timeout,
		})
		if err != nil {
			broken(pipeline.StageCollect, fmt.Errorf("failed to initialize search client: %w", err))
		} else {
			deps.Search = client
		}
	}

	if slices.Contains(stages, pipeline.StageScrape) {
		fetcher, err := scraper.NewWithConfig(scraper.ScraperConfig{
			RateLimit:      cfg.Scraper.RateLimit,
			Timeout:        cfg.Scraper.Timeout,
			UserAgents:     cfg.Scraper.UserAgents,
			IgnoreRobots:   cfg.Scraper.IgnoreRobots,
			IgnorePatterns: cfg.Scraper.IgnorePatterns,
			MinTextLength:  cfg.Scraper.MinTextLength,
			MaxBodyBytes:   cfg.Scraper.MaxBodyBytes,
			Retry:          cfg.Scraper.Retry,
			Logger:         log,
			OnRetry:        metrics.RetryCounter(metrics.TargetFetch),
		})
		if err != nil {
			broken(pipeline.StageScrape, fmt.Errorf("failed to initialize scraper: %w", err))
		} else {
			deps.Fetcher = fetcher
		}
	}

	if slices.Contains(stages, pipeline.StageSummarize) {
		summarizer, err := newSummarizer(cfg, log)
		if err != nil {
			broken(pipeline.StageSummarize, err)
		} else {
			deps.Summarizer = summarizer
		}
	}

	if slices.Contains(stages, pipeline.StageIndex) {
		if err := addIndexDeps(ctx, cfg, log, &deps, &closers); err != nil {
			broken(pipeline.StageIndex, err)
		}
	}

	return deps, cleanup, nil
}

func addIndexDeps(ctx context.Context, cfg *config.Config, log *zap.Logger, deps *pipeline.Deps, closers *[]func() error) error {
	embedder, err := newEmbedder(cfg, log)
	if err != nil {
		return err
	}
	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	*closers = append(*closers, vectors.Close)
	deps.Embedder = embedder
	deps.Vectors = vectors
	return nil
}

func providerConfig(cfg *config.Config, model string) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    model,
	}
}

func newSummarizer(cfg *config.Config, log *zap.Logger) (*llm.Summarizer, error) {
	model, err := llm.NewChatModel(providerConfig(cfg, cfg.Summarizer.Model))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	s := cfg.Summarizer
	return llm.NewSummarizer(model, llm.SummarizerConfig{
		Model:           s.Model,
		Temperature:     s.Temperature,
		MaxTokens:       s.MaxTokens,
		MaxInputTokens:  s.MaxInputTokens,
		MaxInputChars:   s.MaxInputChars,
		MaxSentences:    s.MaxSentences,
		MaxSummaryChars: s.MaxSummaryChars,
		RateLimit:       s.RateLimit,
		Timeout:         s.Timeout,
		Retry:           s.Retry,
		Logger:          log,
		OnRetry:         metrics.RetryCounter(metrics.TargetLLM),
	})
}

func newEmbedder(cfg *config.Config, log *zap.Logger) (*llm.Embedder, error) {
	client, err := llm.NewEmbeddingClient(providerConfig(cfg, cfg.Embedder.Model))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	return llm.NewEmbedder(client, llm.EmbedderConfig{
		Model:     cfg.Embedder.Model,
		BatchSize: cfg.Embedder.BatchSize,
		Timeout:   cfg.Embedder.Timeout,
		Retry:     cfg.Indexer.Retry,
		Logger:    log,
	})
}

func openVectors(ctx context.Context, cfg *config.Config) (types.VectorStore, error) {
	metric, err := models.ParseDistanceMetric(cfg.Indexer.DistanceMetric)
	if err != nil {
		return nil, err
	}
	vectors, err := store.OpenVectorStore(ctx, store.VectorStoreConfig{
		Backend:        cfg.Store.VectorBackend,
		ConnString:     cfg.Store.DatabaseURL,
		Path:           cfg.Store.VectorPath,
		TableName:      cfg.Store.TableName,
		VectorDim:      cfg.Store.VectorDim,
		DistanceMetric: metric,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return vectors, nil
}
