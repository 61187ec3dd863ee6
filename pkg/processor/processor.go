package processor

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	ModeNone      = "none"
	ModeSentences = "sentences"
	ModeChunks    = "chunks"
)

type ProcessorConfig struct {
	Mode           string
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
}

// Processor splits summary text into the pieces the indexer embeds.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.Mode == "" {
		config.Mode = ModeNone
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = 500
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = 0
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 20
	}

	return Processor{
		config: config,
	}
}

func (p *Processor) Mode() string { return p.config.Mode }

// Split returns the texts to embed for one summary. Mode none yields the
// cleaned summary as a single piece.
func (p *Processor) Split(text string) []string {
	clean := CleanText(text)
	if clean == "" {
		return nil
	}

	switch p.config.Mode {
	case ModeSentences:
		return SplitSentences(clean)
	case ModeChunks:
		chunks := p.splitIntoChunks(clean)
		if len(chunks) == 0 {
			return []string{clean}
		}
		return chunks
	default:
		return []string{clean}
	}
}

// CleanText collapses whitespace runs and strips control characters.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

func (p *Processor) splitIntoChunks(text string) []string {
	var chunks []string

	sentences := SplitSentences(text)
	current := strings.Builder{}

	for _, sentence := range sentences {
		// If adding this sentence would exceed chunk size
		if current.Len() > 0 && current.Len()+len(sentence) > p.config.ChunkSize {
			if current.Len() >= p.config.MinChunkLength {
				chunks = append(chunks, strings.TrimSpace(current.String()))
			}

			// Start the next chunk with the tail of this one
			tail := overlapTail(current.String(), p.config.ChunkOverlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(" ")
			}
		}

		current.WriteString(sentence)
		current.WriteString(" ")
	}

	if last := strings.TrimSpace(current.String()); len(last) >= p.config.MinChunkLength {
		chunks = append(chunks, last)
	}

	return chunks
}

// overlapTail returns at most n bytes from the end of s, starting on a
// word boundary.
func overlapTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		tail = tail[i+1:]
	} else {
		for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
			tail = tail[1:]
		}
	}
	return strings.TrimSpace(tail)
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "st": true, "jr": true, "sr": true,
	"inc": true, "corp": true, "co": true, "vs": true, "gov": true, "sen": true, "rep": true,
	"jan": true, "feb": true, "aug": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

// SplitSentences breaks text on sentence-ending punctuation followed by
// whitespace, leaving initials and common abbreviations intact.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && isAbbreviation(runes[start:i]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}

	// Add any remaining text
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}

func isAbbreviation(before []rune) bool {
	end := len(before)
	i := end
	for i > 0 && !unicode.IsSpace(before[i-1]) {
		i--
	}
	word := string(before[i:end])
	if word == "" {
		return false
	}
	// Single capital letters ("J. Smith") and dotted initialisms ("U.S.")
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	if strings.Contains(word, ".") {
		return true
	}
	return abbreviations[strings.ToLower(word)]
}

// ClampSummary bounds a generated summary to maxSentences sentences and
// maxChars characters, cutting on a word boundary.
func ClampSummary(text string, maxSentences, maxChars int) string {
	text = CleanText(text)
	if text == "" {
		return ""
	}

	if maxSentences > 0 {
		sentences := SplitSentences(text)
		if len(sentences) > maxSentences {
			sentences = sentences[:maxSentences]
		}
		text = strings.Join(sentences, " ")
	}

	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)[:maxChars]
		cut := string(runes)
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		text = strings.TrimRight(strings.TrimSpace(cut), ",;:-")
	}

	return text
}
