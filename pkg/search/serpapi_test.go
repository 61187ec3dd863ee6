package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
)

const newsPayload = `{
  "search_metadata": {"status": "Success"},
  "news_results": [
    {
      "position": 1,
      "title": "Markets rally after rate decision",
      "link": "https://www.reuters.com/markets/rally-2024-03-14/",
      "date": "03/14/2024, 07:00 AM, +0000 UTC",
      "iso_date": "2024-03-14T07:00:00Z",
      "source": {"name": "Reuters", "authors": ["Jane Doe", "John Roe"]}
    },
    {
      "position": 2,
      "title": "Cluster",
      "highlight": {
        "title": "Oil slips",
        "link": "https://www.reuters.com/business/energy/oil-slips/",
        "date": "03/13/2024, 09:15 PM, +0000 UTC",
        "source": {"name": "Reuters"}
      },
      "stories": [
        {"title": "Gold steady", "link": "https://www.reuters.com/markets/gold-steady/", "source": {"name": "Reuters"}}
      ]
    }
  ],
  "serpapi_pagination": {"next": "https://serpapi.com/search.json?engine=google_news&start=10"}
}`

func TestSearchWithPublicationToken(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(newsPayload))
	}))
	defer server.Close()

	s, err := NewWithConfig(Config{BaseURL: server.URL, APIKey: "key"})
	require.NoError(t, err)

	page, err := s.Search(context.Background(), types.SearchRequest{
		Domain:           "reuters.com",
		PublicationToken: "CAAqBggKMLegDDCwJg",
		LookbackDays:     7,
	})
	require.NoError(t, err)

	assert.Equal(t, "google_news", got["engine"])
	assert.Equal(t, "CAAqBggKMLegDDCwJg", got["publication_token"])
	assert.Equal(t, "us", got["gl"])
	assert.Empty(t, got["q"])

	require.Len(t, page.Results, 3)
	first := page.Results[0]
	assert.Equal(t, "https://www.reuters.com/markets/rally-2024-03-14/", first.URL)
	assert.Equal(t, "Reuters", first.Publisher)
	assert.Equal(t, "Jane Doe,John Roe", first.Authors)
	assert.Equal(t, time.Date(2024, 3, 14, 7, 0, 0, 0, time.UTC), first.Published.UTC())
	assert.Equal(t, "https://www.reuters.com/business/energy/oil-slips/", page.Results[1].URL)
	assert.False(t, page.Results[1].Published.IsZero())
	assert.True(t, page.Results[2].Published.IsZero())

	assert.True(t, page.HasMore)
	assert.Equal(t, 10, page.NextStart)
}

func TestSearchWithoutTokenBuildsQuery(t *testing.T) {
	var q string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query().Get("q")
		w.Write([]byte(`{"news_results": []}`))
	}))
	defer server.Close()

	s, err := NewWithConfig(Config{BaseURL: server.URL, APIKey: "key"})
	require.NoError(t, err)

	page, err := s.Search(context.Background(), types.SearchRequest{Domain: "example.org", Query: "climate", LookbackDays: 3})
	require.NoError(t, err)
	assert.Equal(t, "site:example.org climate when:3d", q)
	assert.Empty(t, page.Results)
	assert.False(t, page.HasMore)
}

func TestSearchErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   failure.Kind
	}{
		{"invalid key", http.StatusUnauthorized, `{"error": "Invalid API key. Your API key should be here: https://serpapi.com/manage-api-key"}`, failure.KindAuth},
		{"out of searches", http.StatusTooManyRequests, `{"error": "Your account has run out of searches."}`, failure.KindQuota},
		{"throttled", http.StatusTooManyRequests, `{}`, failure.KindRateLimit},
		{"server error", http.StatusBadGateway, `bad gateway`, failure.KindTransient},
		{"unknown error text", http.StatusServiceUnavailable, `{"error": "Something odd happened"}`, failure.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			s, err := NewWithConfig(Config{BaseURL: server.URL, APIKey: "key"})
			require.NoError(t, err)

			_, err = s.Search(context.Background(), types.SearchRequest{Domain: "reuters.com"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))
		})
	}
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "Google hasn't returned any results for this query."}`))
	}))
	defer server.Close()

	s, err := NewWithConfig(Config{BaseURL: server.URL, APIKey: "key"})
	require.NoError(t, err)

	page, err := s.Search(context.Background(), types.SearchRequest{Domain: "reuters.com"})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestNewWithConfigRequiresKey(t *testing.T) {
	_, err := NewWithConfig(Config{})
	require.Error(t, err)
	assert.True(t, failure.Fatal(err))
}
