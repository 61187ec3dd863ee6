package scraper

import (
	"bytes"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/xhad/reliabledb/pkg/failure"
)

var contentSelectors = []string{
	"article",
	"main",
	"[itemprop=articleBody]",
	".article-body",
	".story-body",
	".post-content",
	".content",
	"#content",
}

var paywallSelectors = []string{
	".paywall",
	"#paywall",
	"[class*=paywall]",
	".subscriber-only",
	".subscription-required",
	`meta[name="article:content_tier"][content="locked"]`,
}

var paywallPhrases = []string{
	"subscribe to continue reading",
	"subscribe to read",
	"this article is for subscribers",
	"this content is for subscribers",
	"create a free account to continue",
	"to continue reading, subscribe",
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

// extract pulls the article title and body text out of an HTML document.
// Readability runs first; the selector walk only runs when it comes back
// short.
func (s *Scraper) extract(body []byte, pageURL string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", failure.Extraction("unparseable HTML")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	var text string

	if parsed, err := url.Parse(pageURL); err == nil {
		if article, err := readability.FromReader(bytes.NewReader(body), parsed); err == nil {
			if t := strings.TrimSpace(article.Title); t != "" {
				title = t
			}
			text = s.cleanContent(article.TextContent)
		}
	}

	if utf8.RuneCountInString(text) < s.config.MinTextLength {
		if fallback := s.extractMainContent(doc); utf8.RuneCountInString(fallback) > utf8.RuneCountInString(text) {
			text = fallback
		}
	}

	if looksPaywalled(doc, text, s.config.MinTextLength) {
		return "", "", failure.Extraction("paywall detected")
	}
	if utf8.RuneCountInString(text) < s.config.MinTextLength {
		return "", "", failure.Extraction("empty body")
	}

	return s.cleanContent(title), text, nil
}

func (s *Scraper) extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	var content string
	for _, selector := range contentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	// Fallback to body if no main content found
	if content == "" {
		content = doc.Find("body").Text()
	}

	return s.cleanContent(content)
}

// cleanContent strips leftover markup and entities, then collapses
// whitespace within each line.
func (s *Scraper) cleanContent(content string) string {
	content = html.UnescapeString(s.sanitizer.Sanitize(content))

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		for _, pattern := range noisePatterns {
			line = strings.ReplaceAll(line, pattern, "")
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// looksPaywalled needs a marker and a body too short to be the full
// story. Pages often keep subscribe prompts next to complete articles.
func looksPaywalled(doc *goquery.Document, text string, minLength int) bool {
	if doc.Find(`meta[name="article:content_tier"][content="locked"]`).Length() > 0 {
		return true
	}
	if utf8.RuneCountInString(text) >= minLength*5 {
		return false
	}

	for _, selector := range paywallSelectors {
		if doc.Find(selector).Length() > 0 {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, phrase := range paywallPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
