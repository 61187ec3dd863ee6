package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates the token budget when no encoding is loaded.
const charsPerToken = 4

// Truncator bounds the article text sent to the language model.
type Truncator struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
	maxChars  int
}

// NewTruncator counts tokens with the model's tiktoken encoding. A
// positive maxChars, or an encoding that cannot be loaded, switches to a
// character budget.
func NewTruncator(model string, maxTokens, maxChars int) *Truncator {
	t := &Truncator{maxTokens: maxTokens, maxChars: maxChars}
	if maxChars > 0 || maxTokens <= 0 {
		return t
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		t.maxChars = maxTokens * charsPerToken
		return t
	}
	t.enc = enc
	return t
}

// Truncate returns text cut to the budget and whether anything was cut.
func (t *Truncator) Truncate(text string) (string, bool) {
	if t.enc != nil {
		tokens := t.enc.Encode(text, nil, nil)
		if len(tokens) <= t.maxTokens {
			return text, false
		}
		return t.enc.Decode(tokens[:t.maxTokens]), true
	}

	if t.maxChars <= 0 || utf8.RuneCountInString(text) <= t.maxChars {
		return text, false
	}
	cut := []rune(text)[:t.maxChars]
	// Back up to the last break in the second half of the budget.
	for i := len(cut) - 1; i > t.maxChars/2; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut)), true
}
