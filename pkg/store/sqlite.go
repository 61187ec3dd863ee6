package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
	_ "modernc.org/sqlite"
)

var _ types.StateStore = (*StateStore)(nil)

const stateSchema = `
CREATE TABLE IF NOT EXISTS article_references (
	url TEXT PRIMARY KEY,
	source_domain TEXT NOT NULL,
	discovered_at DATETIME NOT NULL,
	search_query TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	publisher TEXT NOT NULL DEFAULT '',
	authors TEXT NOT NULL DEFAULT '',
	serp_date TEXT NOT NULL DEFAULT '',
	lean TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS articles (
	url TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	raw_text TEXT NOT NULL DEFAULT '',
	scraped_at DATETIME NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	retryable BOOLEAN NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS summaries (
	url TEXT PRIMARY KEY,
	summary_text TEXT NOT NULL DEFAULT '',
	model_used TEXT NOT NULL DEFAULT '',
	summarized_at DATETIME NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	retryable BOOLEAN NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	finish_reason TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0
);
`

// StateStore keeps references, articles and summaries in SQLite. All
// writes go through a single connection.
type StateStore struct {
	db *sql.DB
}

// OpenState opens or creates the state database. dsn is a file path or a
// sqlite "file:" URI.
func OpenState(ctx context.Context, dsn string) (*StateStore, error) {
	db, err := openSQLite(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// InsertReference stores ref unless its url is already known. It reports
// whether a row was added.
func (s *StateStore) InsertReference(ctx context.Context, ref models.ArticleReference) (bool, error) {
	if ref.DiscoveredAt.IsZero() {
		ref.DiscoveredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO article_references (
		url, source_domain, discovered_at, search_query, title, snippet, publisher, authors, serp_date, lean
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (url) DO NOTHING`,
		ref.URL, ref.SourceDomain, ref.DiscoveredAt.UTC(), ref.SearchQuery, ref.Title,
		ref.Snippet, ref.Publisher, ref.Authors, ref.SerpDate, ref.Lean,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert reference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert reference: %w", err)
	}
	return n > 0, nil
}

func (s *StateStore) HasReference(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM article_references WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up reference: %w", err)
	}
	return n > 0, nil
}

const referenceColumns = `r.url, r.source_domain, r.discovered_at, r.search_query, r.title, r.snippet, r.publisher, r.authors, r.serp_date, r.lean`

func scanReference(row interface{ Scan(...any) error }, ref *models.ArticleReference) error {
	return row.Scan(&ref.URL, &ref.SourceDomain, &ref.DiscoveredAt, &ref.SearchQuery, &ref.Title,
		&ref.Snippet, &ref.Publisher, &ref.Authors, &ref.SerpDate, &ref.Lean)
}

// Reference returns nil when url is unknown.
func (s *StateStore) Reference(ctx context.Context, url string) (*models.ArticleReference, error) {
	var ref models.ArticleReference
	row := s.db.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM article_references r WHERE r.url = ?`, url)
	if err := scanReference(row, &ref); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reference: %w", err)
	}
	return &ref, nil
}

// PendingScrapes lists references with no article yet, or whose last
// scrape failed retryably with attempts to spare. reprocess lists all.
func (s *StateStore) PendingScrapes(ctx context.Context, maxAttempts int, reprocess bool) ([]models.ArticleReference, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+referenceColumns+`
	FROM article_references r
	LEFT JOIN articles a ON a.url = r.url
	WHERE ? OR a.url IS NULL
		OR (a.status = 'failed' AND a.retryable AND a.attempts < ?)
	ORDER BY r.discovered_at, r.url`, reprocess, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending scrapes: %w", err)
	}
	defer rows.Close()

	var refs []models.ArticleReference
	for rows.Next() {
		var ref models.ArticleReference
		if err := scanReference(rows, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// SaveArticle records a scrape outcome and bumps the attempt counter. A
// non-ok outcome drops any summary built from an earlier scrape.
func (s *StateStore) SaveArticle(ctx context.Context, article models.Article) error {
	if article.ScrapedAt.IsZero() {
		article.ScrapedAt = time.Now().UTC()
	}
	if article.Status != models.ScrapeOK {
		article.RawText = ""
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO articles (url, title, raw_text, scraped_at, status, failure_reason, retryable, attempts)
	VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT (url) DO UPDATE SET
		title = excluded.title,
		raw_text = excluded.raw_text,
		scraped_at = excluded.scraped_at,
		status = excluded.status,
		failure_reason = excluded.failure_reason,
		retryable = excluded.retryable,
		attempts = articles.attempts + 1`,
		article.URL, article.Title, article.RawText, article.ScrapedAt.UTC(), string(article.Status),
		article.FailureReason, article.Retryable,
	)
	if err != nil {
		return fmt.Errorf("failed to save article: %w", err)
	}

	if article.Status != models.ScrapeOK {
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE url = ?`, article.URL); err != nil {
			return fmt.Errorf("failed to drop stale summary: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit article: %w", err)
	}
	return nil
}

const articleColumns = `a.url, a.title, a.raw_text, a.scraped_at, a.status, a.failure_reason, a.retryable, a.attempts`

func scanArticle(row interface{ Scan(...any) error }, a *models.Article) error {
	var status string
	if err := row.Scan(&a.URL, &a.Title, &a.RawText, &a.ScrapedAt, &status, &a.FailureReason, &a.Retryable, &a.Attempts); err != nil {
		return err
	}
	a.Status = models.ScrapeStatus(status)
	return nil
}

// Article returns nil when url has not been scraped.
func (s *StateStore) Article(ctx context.Context, url string) (*models.Article, error) {
	var a models.Article
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles a WHERE a.url = ?`, url)
	if err := scanArticle(row, &a); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read article: %w", err)
	}
	return &a, nil
}

// PendingSummaries lists ok articles with no summary, or whose summary
// failed retryably with attempts to spare. reprocess lists every ok
// article. Failed and skipped scrapes are never listed.
func (s *StateStore) PendingSummaries(ctx context.Context, maxAttempts int, reprocess bool) ([]models.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+articleColumns+`
	FROM articles a
	LEFT JOIN summaries s ON s.url = a.url
	WHERE a.status = 'ok' AND (? OR s.url IS NULL
		OR (s.status = 'failed' AND s.retryable AND s.attempts < ?))
	ORDER BY a.scraped_at, a.url`, reprocess, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending summaries: %w", err)
	}
	defer rows.Close()

	var articles []models.Article
	for rows.Next() {
		var a models.Article
		if err := scanArticle(rows, &a); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func (s *StateStore) SaveSummary(ctx context.Context, summary models.Summary) error {
	if summary.SummarizedAt.IsZero() {
		summary.SummarizedAt = time.Now().UTC()
	}
	if summary.Status != models.SummaryOK {
		summary.SummaryText = ""
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO summaries (
		url, summary_text, model_used, summarized_at, status, failure_reason, retryable, attempts,
		finish_reason, prompt_tokens, completion_tokens, total_tokens
	) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	ON CONFLICT (url) DO UPDATE SET
		summary_text = excluded.summary_text,
		model_used = excluded.model_used,
		summarized_at = excluded.summarized_at,
		status = excluded.status,
		failure_reason = excluded.failure_reason,
		retryable = excluded.retryable,
		attempts = summaries.attempts + 1,
		finish_reason = excluded.finish_reason,
		prompt_tokens = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens,
		total_tokens = excluded.total_tokens`,
		summary.URL, summary.SummaryText, summary.ModelUsed, summary.SummarizedAt.UTC(), string(summary.Status),
		summary.FailureReason, summary.Retryable, summary.FinishReason,
		summary.PromptTokens, summary.CompletionTokens, summary.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

const summaryColumns = `s.url, s.summary_text, s.model_used, s.summarized_at, s.status, s.failure_reason, s.retryable, s.attempts,
	s.finish_reason, s.prompt_tokens, s.completion_tokens, s.total_tokens`

func scanSummary(row interface{ Scan(...any) error }, sm *models.Summary, extra ...any) error {
	var status string
	dest := []any{&sm.URL, &sm.SummaryText, &sm.ModelUsed, &sm.SummarizedAt, &status, &sm.FailureReason,
		&sm.Retryable, &sm.Attempts, &sm.FinishReason, &sm.PromptTokens, &sm.CompletionTokens, &sm.TotalTokens}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	sm.Status = models.SummaryStatus(status)
	return nil
}

// Summary returns nil when url has not been summarized.
func (s *StateStore) Summary(ctx context.Context, url string) (*models.Summary, error) {
	var sm models.Summary
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM summaries s WHERE s.url = ?`, url)
	if err := scanSummary(row, &sm); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	return &sm, nil
}

// IndexCandidates returns every ok summary joined with its reference.
func (s *StateStore) IndexCandidates(ctx context.Context) ([]models.IndexCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+summaryColumns+`, `+referenceColumns+`
	FROM summaries s
	JOIN article_references r ON r.url = s.url
	WHERE s.status = 'ok'
	ORDER BY s.summarized_at, s.url`)
	if err != nil {
		return nil, fmt.Errorf("failed to list index candidates: %w", err)
	}
	defer rows.Close()

	var out []models.IndexCandidate
	for rows.Next() {
		var c models.IndexCandidate
		r := &c.Reference
		err := scanSummary(rows, &c.Summary,
			&r.URL, &r.SourceDomain, &r.DiscoveredAt, &r.SearchQuery, &r.Title,
			&r.Snippet, &r.Publisher, &r.Authors, &r.SerpDate, &r.Lean)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *StateStore) Counts(ctx context.Context) (types.StateCounts, error) {
	var c types.StateCounts
	err := s.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM article_references),
		(SELECT COUNT(*) FROM articles WHERE status = 'ok'),
		(SELECT COUNT(*) FROM articles WHERE status = 'failed'),
		(SELECT COUNT(*) FROM articles WHERE status = 'skipped'),
		(SELECT COUNT(*) FROM summaries WHERE status = 'ok'),
		(SELECT COUNT(*) FROM summaries WHERE status = 'failed')`,
	).Scan(&c.References, &c.ScrapedOK, &c.ScrapeFailed, &c.ScrapeSkipped, &c.SummarizedOK, &c.SummarizeFailed)
	if err != nil {
		return c, fmt.Errorf("failed to count state: %w", err)
	}
	return c, nil
}
