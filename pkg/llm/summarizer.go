package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/processor"
	"github.com/xhad/reliabledb/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ types.Summarizer = (*Summarizer)(nil)

const SummaryPrompt = "As a helpful AI assistant, your task will be to summarize text from a news article, " +
	"which may contain incomplete sentences, HTML tags, and non-textual elements. " +
	"Begin by cleansing the text of any irrelevant content or formatting issues. " +
	"Then, craft a concise, neutral summary of the main news article, highlighting key facts: " +
	"who, what, when, where, and why. " +
	"Aim for a one-paragraph summary without editorializing or subjective interpretation. " +
	"Adhere strictly to these instructions for an accurate, unbiased summary."

type SummarizerConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	MaxInputTokens  int
	MaxInputChars   int
	MaxSentences    int
	MaxSummaryChars int
	RateLimit       float64 // requests per second, 0 means unlimited
	Timeout         time.Duration
	Retry           retry.Config
	Logger          *zap.Logger
	OnRetry         func(err error)
}

// Summarizer condenses article text into a short neutral summary.
type Summarizer struct {
	config    SummarizerConfig
	llm       llms.Model
	truncator *processor.Truncator
	limiter   *rate.Limiter
	prompt    string
	log       *zap.Logger
}

func NewSummarizer(model llms.Model, config SummarizerConfig) (*Summarizer, error) {
	if model == nil {
		return nil, fmt.Errorf("summarizer needs a model")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 300
	}
	if config.MaxInputTokens == 0 {
		config.MaxInputTokens = 3500
	}
	if config.MaxSentences == 0 {
		config.MaxSentences = 3
	}
	if config.MaxSummaryChars == 0 {
		config.MaxSummaryChars = 800
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Summarizer{
		config:    config,
		llm:       model,
		truncator: processor.NewTruncator(config.Model, config.MaxInputTokens, config.MaxInputChars),
		limiter:   rate.NewLimiter(limit, 1),
		prompt:    BuildPrompt(config.MaxSentences),
		log:       config.Logger,
	}, nil
}

// BuildPrompt appends the length instruction to the fixed summary prompt.
func BuildPrompt(maxSentences int) string {
	if maxSentences <= 0 {
		return SummaryPrompt
	}
	unit := "sentences"
	if maxSentences == 1 {
		unit = "sentence"
	}
	return fmt.Sprintf("%s Keep the summary to at most %d %s.", SummaryPrompt, maxSentences, unit)
}

// Summarize returns a clamped summary of text. Errors are classified:
// content-filter rejections and empty output are per-item failures, auth
// and quota errors are fatal.
func (s *Summarizer) Summarize(ctx context.Context, text string) (types.SummaryResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.SummaryResult{}, failure.Extraction("no article text")
	}

	input, cut := s.truncator.Truncate(text)
	if cut {
		s.log.Debug("article text truncated",
			zap.Int("chars", len(text)),
			zap.Int("kept", len(input)))
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.prompt),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}

	cfg := s.config.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.Warn("summary call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if s.config.OnRetry != nil {
			s.config.OnRetry(err)
		}
	}

	var response *llms.ContentResponse
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return failure.New(failure.KindCancelled, "rate limiter wait aborted", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()

		var err error
		response, err = s.llm.GenerateContent(callCtx, content,
			llms.WithTemperature(s.config.Temperature),
			llms.WithMaxTokens(s.config.MaxTokens),
		)
		if err != nil {
			return failure.Classify(fmt.Errorf("chat error: %w", err))
		}
		return nil
	})
	if err != nil {
		return types.SummaryResult{}, err
	}

	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return types.SummaryResult{}, failure.Extraction("empty completion")
	}
	choice := response.Choices[0]

	result := types.SummaryResult{
		Model:        s.config.Model,
		FinishReason: choice.StopReason,
	}
	result.PromptTokens, result.CompletionTokens, result.TotalTokens = tokenUsage(choice.GenerationInfo)

	if isFiltered(choice.StopReason) {
		return result, failure.Extraction("rejected by content filter")
	}

	result.Text = processor.ClampSummary(choice.Content, s.config.MaxSentences, s.config.MaxSummaryChars)
	if result.Text == "" {
		return result, failure.Extraction("empty summary")
	}
	return result, nil
}

func isFiltered(stopReason string) bool {
	return strings.EqualFold(stopReason, "content_filter")
}

// tokenUsage reads the counters providers put in GenerationInfo.
func tokenUsage(info map[string]any) (prompt, completion, total int) {
	prompt = intValue(info["PromptTokens"])
	completion = intValue(info["CompletionTokens"])
	total = intValue(info["TotalTokens"])
	if total == 0 {
		total = prompt + completion
	}
	return prompt, completion, total
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
