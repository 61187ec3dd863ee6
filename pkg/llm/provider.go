// Package llm builds the chat and embedding models and the summarizer
// that runs article text through them.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/reliabledb/pkg/failure"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig selects a langchaingo backend. BaseURL is the Ollama
// server, or an OpenAI-compatible endpoint when the provider is openai.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// EmbeddingClient is the part of a langchaingo model the embedder needs.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	c.Provider = strings.ToLower(c.Provider)
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	if c.Provider == ProviderOllama && c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	return c
}

// NewChatModel returns the model used for summaries.
func NewChatModel(config ProviderConfig) (llms.Model, error) {
	config = config.withDefaults()

	switch config.Provider {
	case ProviderOllama:
		model, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		return model, nil
	case ProviderOpenAI:
		opts, err := openAIOptions(config)
		if err != nil {
			return nil, err
		}
		model, err := openai.New(append(opts, openai.WithModel(config.Model))...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", config.Provider)
	}
}

// NewEmbeddingClient returns the model used for summary embeddings.
func NewEmbeddingClient(config ProviderConfig) (EmbeddingClient, error) {
	config = config.withDefaults()

	switch config.Provider {
	case ProviderOllama:
		emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		return emb, nil
	case ProviderOpenAI:
		opts, err := openAIOptions(config)
		if err != nil {
			return nil, err
		}
		emb, err := openai.New(append(opts, openai.WithEmbeddingModel(config.Model))...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", config.Provider)
	}
}

func openAIOptions(config ProviderConfig) ([]openai.Option, error) {
	if config.APIKey == "" {
		return nil, failure.Auth("OpenAI API key is not set", nil)
	}
	opts := []openai.Option{openai.WithToken(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	return opts, nil
}
