package types

import (
	"context"
	"time"

	"github.com/xhad/reliabledb/internal/models"
)

// Core interfaces

type SearchRequest struct {
	Domain           string
	PublicationToken string
	Query            string
	LookbackDays     int
	Start            int
}

type SearchResult struct {
	URL       string
	Title     string
	Snippet   string
	Publisher string
	Authors   string
	Date      string
	Published time.Time
}

type SearchPage struct {
	Results   []SearchResult
	NextStart int
	HasMore   bool
}

type SearchProvider interface {
	Search(ctx context.Context, req SearchRequest) (SearchPage, error)
}

type Page struct {
	URL   string
	Title string
	Text  string
}

// PageFetcher fetches one article page. Failures come back as classified
// errors from pkg/failure.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

type SummaryResult struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (SummaryResult, error)
}

type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

type StateCounts struct {
	References      int
	ScrapedOK       int
	ScrapeFailed    int
	ScrapeSkipped   int
	SummarizedOK    int
	SummarizeFailed int
}

type StateStore interface {
	InsertReference(ctx context.Context, ref models.ArticleReference) (bool, error)
	PendingScrapes(ctx context.Context, maxAttempts int, reprocess bool) ([]models.ArticleReference, error)
	SaveArticle(ctx context.Context, article models.Article) error
	PendingSummaries(ctx context.Context, maxAttempts int, reprocess bool) ([]models.Article, error)
	SaveSummary(ctx context.Context, summary models.Summary) error
	IndexCandidates(ctx context.Context) ([]models.IndexCandidate, error)
	Counts(ctx context.Context) (StateCounts, error)
	Close() error
}

type VectorStore interface {
	// Upsert replaces every record stored for url with records.
	Upsert(ctx context.Context, url string, records []models.VectorRecord) error
	Hashes(ctx context.Context, ids []string) (map[string]string, error)
	Query(ctx context.Context, embedding []float32, limit int) ([]models.VectorRecord, error)
	Count(ctx context.Context) (int, error)
	// Metric is the metric stored records are scored under. Opening a
	// store never changes it; ApplyMetric moves it to the configured one.
	Metric() models.DistanceMetric
	// ApplyMetric switches the store to its configured metric, deleting
	// records built under another one. It reports whether it switched.
	ApplyMetric(ctx context.Context) (bool, error)
	Close() error
}
