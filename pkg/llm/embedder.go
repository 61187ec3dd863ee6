package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/retry"
	"go.uber.org/zap"
)

var _ types.Embedder = (*Embedder)(nil)

type EmbedderConfig struct {
	Model     string
	BatchSize int
	Timeout   time.Duration
	Retry     retry.Config
	Logger    *zap.Logger
}

// Embedder batches texts through an embedding client with a per-batch
// timeout and retry.
type Embedder struct {
	config EmbedderConfig
	client EmbeddingClient
}

func NewEmbedder(client EmbeddingClient, config EmbedderConfig) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("embedder needs a client")
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("batch size cannot be negative")
	} else if config.BatchSize == 0 {
		config.BatchSize = 32
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Embedder{config: config, client: client}, nil
}

// CreateEmbedding returns one vector per text, in order.
func (e *Embedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		batch := texts[start:end]

		var out [][]float32
		cfg := e.config.Retry
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			e.config.Logger.Warn("embedding call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(batch)),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
			defer cancel()

			var err error
			out, err = e.client.CreateEmbedding(callCtx, batch)
			if err != nil {
				return failure.Classify(fmt.Errorf("embedding error: %w", err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) != len(batch) {
			return nil, failure.Extraction(fmt.Sprintf("embedding count mismatch: sent %d, got %d", len(batch), len(out)))
		}
		for _, v := range out {
			if len(v) == 0 {
				return nil, failure.Extraction("empty embedding")
			}
		}
		vectors = append(vectors, out...)
	}

	return vectors, nil
}
