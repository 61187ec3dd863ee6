package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type ScrapeStatus string

const (
	ScrapeOK      ScrapeStatus = "ok"
	ScrapeFailed  ScrapeStatus = "failed"
	ScrapeSkipped ScrapeStatus = "skipped"
)

type SummaryStatus string

const (
	SummaryOK     SummaryStatus = "ok"
	SummaryFailed SummaryStatus = "failed"
)

// ArticleReference is a url discovered by the collector.
type ArticleReference struct {
	URL          string
	SourceDomain string
	DiscoveredAt time.Time
	SearchQuery  string
	Title        string
	Snippet      string
	Publisher    string
	Authors      string
	SerpDate     string
	Lean         string
}

// Article is the scraped body of a reference. RawText is only set when
// Status is ScrapeOK.
type Article struct {
	URL           string
	Title         string
	RawText       string
	ScrapedAt     time.Time
	Status        ScrapeStatus
	FailureReason string
	Retryable     bool
	Attempts      int
}

type Summary struct {
	URL              string
	SummaryText      string
	ModelUsed        string
	SummarizedAt     time.Time
	Status           SummaryStatus
	FailureReason    string
	Retryable        bool
	Attempts         int
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// IndexCandidate joins an ok summary with the reference metadata the
// indexer publishes alongside each vector.
type IndexCandidate struct {
	Summary   Summary
	Reference ArticleReference
}

// VectorRecord is one row in the vector store. The id scheme and the
// metadata keys are read by the browser extension and must stay stable.
type VectorRecord struct {
	ID             string
	URL            string
	ChunkIndex     int
	Document       string
	Embedding      []float32
	DistanceMetric DistanceMetric
	ContentHash    string
	Metadata       map[string]string
	Score          float64
}

const (
	MetaURL          = "url"
	MetaSourceDomain = "source_domain"
	MetaSummaryText  = "summary_text"
	MetaPublisher    = "publisher"
	MetaTitle        = "title"
	MetaSerpDate     = "serp_date"
	MetaLean         = "lean"
)

// RecordID derives the vector id for a url. Chunked summaries append the
// chunk index to the base id.
func RecordID(rawURL string, chunk int) string {
	sum := sha256.Sum256([]byte(rawURL))
	base := hex.EncodeToString(sum[:])[:32]
	if chunk < 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, chunk)
}

// ContentHash fingerprints what an indexed record was built from.
func ContentHash(text string, metadata map[string]string) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, key := range []string{MetaURL, MetaSourceDomain, MetaPublisher, MetaTitle, MetaSerpDate, MetaLean} {
		h.Write([]byte{0})
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write([]byte(metadata[key]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalURL strips fragments and tracking parameters so the same
// article reached through different links dedups to one reference.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") || lk == "fbclid" || lk == "gclid" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HostMatches reports whether host is domain or one of its subdomains.
func HostMatches(host, domain string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
