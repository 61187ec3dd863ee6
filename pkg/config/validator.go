package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xhad/reliabledb/internal/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate search config
	if c.Search.Provider != "serpapi" {
		errors = append(errors, ValidationError{
			Field:   "search.provider",
			Message: fmt.Sprintf("unsupported search provider %q", c.Search.Provider),
		})
	}
	if u, err := url.Parse(c.Search.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "search.base_url",
			Message: "invalid search API URL",
		})
	}
	if c.Search.LookbackDays < 1 {
		errors = append(errors, ValidationError{
			Field:   "search.lookback_days",
			Message: "lookback_days must be positive",
		})
	}

	// Validate collector config
	if c.Collector.MaxPages < 1 {
		errors = append(errors, ValidationError{
			Field:   "collector.max_pages",
			Message: "max_pages must be positive",
		})
	}
	if c.Collector.MinWait < 0 || c.Collector.MaxWait < c.Collector.MinWait {
		errors = append(errors, ValidationError{
			Field:   "collector.max_wait",
			Message: "max_wait must not be lower than min_wait",
		})
	}

	if len(c.Domains) == 0 {
		errors = append(errors, ValidationError{
			Field:   "domains",
			Message: "at least one domain is required",
		})
	}
	seen := make(map[string]bool)
	for i, d := range c.Domains {
		name := strings.ToLower(strings.TrimSpace(d.Domain))
		if name == "" || strings.Contains(name, "/") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("domains[%d].domain", i),
				Message: fmt.Sprintf("invalid domain %q", d.Domain),
			})
			continue
		}
		if seen[name] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("domains[%d].domain", i),
				Message: fmt.Sprintf("duplicate domain %q", d.Domain),
			})
		}
		seen[name] = true
	}

	// Validate scraper config
	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}
	if c.Scraper.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "scraper.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "Ollama base URL is required",
			})
		}
	case "openai":
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unsupported llm provider %q", c.LLM.Provider),
		})
	}
	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid LLM base URL",
			})
		}
	}

	// Validate summarizer config
	if c.Summarizer.Temperature < 0 || c.Summarizer.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "summarizer.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}
	if c.Summarizer.MaxTokens < 1 || c.Summarizer.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "summarizer.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}
	if c.Summarizer.MaxSentences < 1 {
		errors = append(errors, ValidationError{
			Field:   "summarizer.max_sentences",
			Message: "max_sentences must be positive",
		})
	}
	if c.Summarizer.MaxSummaryChars < 1 {
		errors = append(errors, ValidationError{
			Field:   "summarizer.max_summary_chars",
			Message: "max_summary_chars must be positive",
		})
	}
	if c.Summarizer.MaxInputTokens < 1 && c.Summarizer.MaxInputChars < 1 {
		errors = append(errors, ValidationError{
			Field:   "summarizer.max_input_tokens",
			Message: "an input budget in tokens or chars is required",
		})
	}

	// Validate indexer config
	if _, err := models.ParseDistanceMetric(c.Indexer.DistanceMetric); err != nil {
		errors = append(errors, ValidationError{
			Field:   "indexer.distance_metric",
			Message: err.Error(),
		})
	}
	switch c.Indexer.Split.Mode {
	case "none", "sentences":
	case "chunks":
		if c.Indexer.Split.ChunkSize < 1 {
			errors = append(errors, ValidationError{
				Field:   "indexer.split.chunk_size",
				Message: "chunk_size must be positive",
			})
		}
		if c.Indexer.Split.ChunkOverlap < 0 || c.Indexer.Split.ChunkOverlap >= c.Indexer.Split.ChunkSize {
			errors = append(errors, ValidationError{
				Field:   "indexer.split.chunk_overlap",
				Message: "chunk_overlap must be non-negative and less than chunk_size",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "indexer.split.mode",
			Message: fmt.Sprintf("unknown split mode %q (want none, sentences or chunks)", c.Indexer.Split.Mode),
		})
	}
	if c.Embedder.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedder.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate store config
	switch c.Store.VectorBackend {
	case "sqlite":
	case "pgvector":
		if _, err := url.Parse(c.Store.DatabaseURL); err != nil || c.Store.DatabaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "store.database_url",
				Message: "invalid database URL",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "store.vector_backend",
			Message: fmt.Sprintf("unknown vector backend %q", c.Store.VectorBackend),
		})
	}
	if c.Store.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "store.vector_dim",
			Message: "vector_dim must be positive",
		})
	}
	if !validIdentifier(c.Store.TableName) {
		errors = append(errors, ValidationError{
			Field:   "store.table_name",
			Message: fmt.Sprintf("invalid table name %q", c.Store.TableName),
		})
	}

	// Validate pipeline config
	if c.Pipeline.OnFatal != "halt" && c.Pipeline.OnFatal != "continue" {
		errors = append(errors, ValidationError{
			Field:   "pipeline.on_fatal",
			Message: "on_fatal must be halt or continue",
		})
	}
	for _, s := range c.Pipeline.Stages {
		if !isStage(s) {
			errors = append(errors, ValidationError{
				Field:   "pipeline.stages",
				Message: fmt.Sprintf("unknown stage %q", s),
			})
		}
	}

	return errors
}

// ValidateForStages adds the credential checks only the given stages need.
func (c *Config) ValidateForStages(stages []string) []ValidationError {
	errors := c.Validate()
	needsLLM := false
	for _, s := range stages {
		switch s {
		case "collect":
			if c.Search.APIKey == "" {
				errors = append(errors, ValidationError{
					Field:   "search.api_key",
					Message: "search API key is required (set SERP_API_KEY)",
				})
			}
		case "summarize", "index":
			needsLLM = true
		}
	}
	if needsLLM && c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.api_key",
			Message: "OpenAI API key is required (set OPENAI_API_KEY)",
		})
	}
	return errors
}

func isStage(s string) bool {
	for _, name := range StageNames {
		if s == name {
			return true
		}
	}
	return false
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
