package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/reliabledb/internal/models"
)

func memoryDSN(t *testing.T) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func openTestState(t *testing.T) *StateStore {
	t.Helper()
	s, err := OpenState(context.Background(), memoryDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ref(url string) models.ArticleReference {
	return models.ArticleReference{
		URL:          url,
		SourceDomain: "reuters.com",
		DiscoveredAt: time.Date(2024, 3, 14, 7, 0, 0, 0, time.UTC),
		Title:        "Markets rally",
		Publisher:    "Reuters",
		SerpDate:     "03/14/2024, 07:00 AM, +0000 UTC",
		Lean:         "least-biased",
	}
}

func TestStateStoreReferences(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t)

	added, err := s.InsertReference(ctx, ref("https://reuters.com/a"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.InsertReference(ctx, ref("https://reuters.com/a"))
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.HasReference(ctx, "https://reuters.com/a")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Reference(ctx, "https://reuters.com/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Reuters", got.Publisher)
	assert.Equal(t, "least-biased", got.Lean)
	assert.True(t, got.DiscoveredAt.Equal(time.Date(2024, 3, 14, 7, 0, 0, 0, time.UTC)))

	missing, err := s.Reference(ctx, "https://reuters.com/none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStateStorePendingScrapes(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t)

	for _, u := range []string{"https://x.com/new", "https://x.com/ok", "https://x.com/retry", "https://x.com/dead"} {
		_, err := s.InsertReference(ctx, ref(u))
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/ok", Status: models.ScrapeOK, RawText: "body"}))
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/retry", Status: models.ScrapeFailed, Retryable: true, FailureReason: "status 503"}))
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/dead", Status: models.ScrapeFailed, FailureReason: "not found (status 404)"}))

	pending, err := s.PendingScrapes(ctx, 3, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://x.com/new", "https://x.com/retry"}, refURLs(pending))

	// Two more failures exhaust the retry budget.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/retry", Status: models.ScrapeFailed, Retryable: true}))
	}
	a, err := s.Article(ctx, "https://x.com/retry")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Attempts)

	pending, err = s.PendingScrapes(ctx, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/new"}, refURLs(pending))

	all, err := s.PendingScrapes(ctx, 3, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStateStoreSummaries(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t)

	for _, u := range []string{"https://x.com/1", "https://x.com/2", "https://x.com/3"} {
		_, err := s.InsertReference(ctx, ref(u))
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/1", Status: models.ScrapeOK, RawText: "one"}))
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/2", Status: models.ScrapeOK, RawText: "two"}))
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/3", Status: models.ScrapeFailed, RawText: "ignored"}))

	failed, err := s.Article(ctx, "https://x.com/3")
	require.NoError(t, err)
	assert.Empty(t, failed.RawText)

	pending, err := s.PendingSummaries(ctx, 3, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://x.com/1", "https://x.com/2"}, articleURLs(pending))

	require.NoError(t, s.SaveSummary(ctx, models.Summary{
		URL: "https://x.com/1", Status: models.SummaryOK, SummaryText: "Summary one.",
		ModelUsed: "mistral", FinishReason: "stop", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	}))
	require.NoError(t, s.SaveSummary(ctx, models.Summary{
		URL: "https://x.com/2", Status: models.SummaryFailed, Retryable: true, FailureReason: "rate limited",
	}))

	pending, err = s.PendingSummaries(ctx, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/2"}, articleURLs(pending))

	sm, err := s.Summary(ctx, "https://x.com/1")
	require.NoError(t, err)
	require.NotNil(t, sm)
	assert.Equal(t, 15, sm.TotalTokens)
	assert.Equal(t, 1, sm.Attempts)

	candidates, err := s.IndexCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Summary one.", candidates[0].Summary.SummaryText)
	assert.Equal(t, "reuters.com", candidates[0].Reference.SourceDomain)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.References)
	assert.Equal(t, 2, counts.ScrapedOK)
	assert.Equal(t, 1, counts.ScrapeFailed)
	assert.Equal(t, 1, counts.SummarizedOK)
	assert.Equal(t, 1, counts.SummarizeFailed)
}

func TestStateStoreFailedRescrapeDropsSummary(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t)

	_, err := s.InsertReference(ctx, ref("https://x.com/1"))
	require.NoError(t, err)
	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/1", Status: models.ScrapeOK, RawText: "one"}))
	require.NoError(t, s.SaveSummary(ctx, models.Summary{URL: "https://x.com/1", Status: models.SummaryOK, SummaryText: "One."}))

	require.NoError(t, s.SaveArticle(ctx, models.Article{URL: "https://x.com/1", Status: models.ScrapeFailed, FailureReason: "paywall detected"}))

	sm, err := s.Summary(ctx, "https://x.com/1")
	require.NoError(t, err)
	assert.Nil(t, sm)
}

func refURLs(refs []models.ArticleReference) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.URL)
	}
	return out
}

func articleURLs(articles []models.Article) []string {
	var out []string
	for _, a := range articles {
		out = append(out, a.URL)
	}
	return out
}

func record(url string, chunk int, embedding []float32) models.VectorRecord {
	meta := map[string]string{models.MetaURL: url, models.MetaSummaryText: "text"}
	return models.VectorRecord{
		ID:          models.RecordID(url, chunk),
		URL:         url,
		ChunkIndex:  max(chunk, 0),
		Document:    "text",
		Embedding:   embedding,
		ContentHash: models.ContentHash("text", meta),
		Metadata:    meta,
	}
}

func openTestVectors(t *testing.T, dsn string, metric models.DistanceMetric) *SQLiteVector {
	t.Helper()
	vs, err := NewSQLiteVector(context.Background(), VectorStoreConfig{Path: dsn, DistanceMetric: metric})
	require.NoError(t, err)
	return vs
}

func TestSQLiteVectorUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	vs := openTestVectors(t, memoryDSN(t), models.Cosine)
	defer vs.Close()
	assert.Equal(t, models.Cosine, vs.Metric())

	require.NoError(t, vs.Upsert(ctx, "https://x.com/a", []models.VectorRecord{record("https://x.com/a", -1, []float32{1, 0})}))
	require.NoError(t, vs.Upsert(ctx, "https://x.com/b", []models.VectorRecord{record("https://x.com/b", -1, []float32{0, 1})}))
	require.NoError(t, vs.Upsert(ctx, "https://x.com/a", []models.VectorRecord{record("https://x.com/a", -1, []float32{1, 0})}))

	n, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := vs.Query(ctx, []float32{0.9, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://x.com/a", results[0].URL)
	assert.Equal(t, "https://x.com/a", results[0].Metadata[models.MetaURL])
	assert.Equal(t, models.Cosine, results[0].DistanceMetric)
	assert.InDelta(t, 0.0061, results[0].Score, 0.001)

	id := models.RecordID("https://x.com/a", -1)
	hashes, err := vs.Hashes(ctx, []string{id, "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{id: record("https://x.com/a", -1, nil).ContentHash}, hashes)
}

func TestSQLiteVectorUpsertReplacesChunks(t *testing.T) {
	ctx := context.Background()
	vs := openTestVectors(t, memoryDSN(t), models.Euclidean)
	defer vs.Close()

	url := "https://x.com/a"
	require.NoError(t, vs.Upsert(ctx, url, []models.VectorRecord{
		record(url, 0, []float32{1, 0}),
		record(url, 1, []float32{0, 1}),
		record(url, 2, []float32{1, 1}),
	}))
	require.NoError(t, vs.Upsert(ctx, url, []models.VectorRecord{record(url, 0, []float32{1, 0})}))

	n, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Error(t, vs.Upsert(ctx, url, []models.VectorRecord{record("https://x.com/other", 0, []float32{1, 0})}))
}

func TestSQLiteVectorOpenKeepsRecordsUnderAnotherMetric(t *testing.T) {
	ctx := context.Background()
	dsn := memoryDSN(t)

	// Hold a connection so the shared in-memory database outlives reopening.
	keep := openTestVectors(t, dsn, models.Cosine)
	defer keep.Close()
	require.NoError(t, keep.Upsert(ctx, "https://x.com/a", []models.VectorRecord{record("https://x.com/a", -1, []float32{1, 0})}))

	reader := openTestVectors(t, dsn, models.Euclidean)
	defer reader.Close()
	assert.Equal(t, models.Cosine, reader.Metric())

	n, err := reader.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := reader.Query(ctx, []float32{2, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.0, results[0].Score, 1e-6)
}

func TestSQLiteVectorApplyMetricWipesRecords(t *testing.T) {
	ctx := context.Background()
	dsn := memoryDSN(t)

	keep := openTestVectors(t, dsn, models.Cosine)
	defer keep.Close()
	require.NoError(t, keep.Upsert(ctx, "https://x.com/a", []models.VectorRecord{record("https://x.com/a", -1, []float32{1, 0})}))

	same := openTestVectors(t, dsn, models.Cosine)
	switched, err := same.ApplyMetric(ctx)
	require.NoError(t, err)
	assert.False(t, switched)
	require.NoError(t, same.Close())

	other := openTestVectors(t, dsn, models.DotProduct)
	defer other.Close()
	switched, err = other.ApplyMetric(ctx)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, models.DotProduct, other.Metric())

	n, err := other.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	reopened := openTestVectors(t, dsn, models.Cosine)
	defer reopened.Close()
	assert.Equal(t, models.DotProduct, reopened.Metric())
}

func TestOperatorsPerMetric(t *testing.T) {
	tests := []struct {
		metric models.DistanceMetric
		class  string
		op     string
	}{
		{models.Cosine, "vector_cosine_ops", "<=>"},
		{models.Euclidean, "vector_l2_ops", "<->"},
		{models.DotProduct, "vector_ip_ops", "<#>"},
	}
	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			assert.Equal(t, tt.class, OperatorClass(tt.metric))
			assert.Equal(t, tt.op, DistanceOperator(tt.metric))
		})
	}
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVectorStoreConfigRejectsBadTable(t *testing.T) {
	_, err := NewSQLiteVector(context.Background(), VectorStoreConfig{Path: ":memory:", TableName: "x; DROP TABLE y"})
	assert.Error(t, err)
}
