package processor_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/reliabledb/pkg/processor"
)

func TestProcessor_Split(t *testing.T) {
	summary := "The central bank raised rates by 0.5 points on Tuesday. Markets fell sharply in response. " +
		"Analysts at Goldman Sachs expect another hike in June."

	t.Run("none", func(t *testing.T) {
		p := processor.NewWithConfig(processor.ProcessorConfig{Mode: processor.ModeNone})
		pieces := p.Split("  " + summary + "\n")
		require.Len(t, pieces, 1)
		assert.Equal(t, summary, pieces[0])
	})

	t.Run("sentences", func(t *testing.T) {
		p := processor.NewWithConfig(processor.ProcessorConfig{Mode: processor.ModeSentences})
		pieces := p.Split(summary)
		assert.Equal(t, []string{
			"The central bank raised rates by 0.5 points on Tuesday.",
			"Markets fell sharply in response.",
			"Analysts at Goldman Sachs expect another hike in June.",
		}, pieces)
	})

	t.Run("chunks", func(t *testing.T) {
		p := processor.NewWithConfig(processor.ProcessorConfig{
			Mode:           processor.ModeChunks,
			ChunkSize:      80,
			ChunkOverlap:   20,
			MinChunkLength: 10,
		})
		pieces := p.Split(summary)
		require.Len(t, pieces, 3)
		assert.True(t, strings.HasPrefix(pieces[0], "The central bank"))
		// Each later chunk carries the tail of the previous one.
		assert.Contains(t, pieces[1], "Tuesday.")
		assert.Contains(t, pieces[2], "Analysts at Goldman Sachs")
	})

	t.Run("empty", func(t *testing.T) {
		p := processor.NewWithConfig(processor.ProcessorConfig{})
		assert.Empty(t, p.Split(" \n\t "))
	})
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"This is a test. It contains several sentences.", []string{"This is a test.", "It contains several sentences."}},
		{"Dr. Smith met Mr. Jones in the U.S. on Friday! Why?", []string{"Dr. Smith met Mr. Jones in the U.S. on Friday!", "Why?"}},
		{"Prices rose 3.5% in May", []string{"Prices rose 3.5% in May"}},
		{"J. K. Rowling spoke. Fans cheered.", []string{"J. K. Rowling spoke.", "Fans cheered."}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, processor.SplitSentences(tt.text))
		})
	}
}

func TestClampSummary(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one too. Fourth is extra."

	assert.Equal(t, "First sentence here. Second sentence follows.", processor.ClampSummary(text, 2, 0))

	clamped := processor.ClampSummary(text, 3, 30)
	assert.LessOrEqual(t, utf8.RuneCountInString(clamped), 30)
	assert.Equal(t, "First sentence here. Second", clamped)

	long := strings.Repeat("déjà vu ", 100)
	clamped = processor.ClampSummary(long, 0, 50)
	assert.LessOrEqual(t, utf8.RuneCountInString(clamped), 50)
	assert.True(t, utf8.ValidString(clamped))

	assert.Equal(t, "", processor.ClampSummary("   ", 3, 100))
}

func TestTruncator_Chars(t *testing.T) {
	tr := processor.NewTruncator("gpt-3.5-turbo", 3500, 40)

	short, cut := tr.Truncate("short text")
	assert.False(t, cut)
	assert.Equal(t, "short text", short)

	long := strings.Repeat("word ", 50)
	out, cut := tr.Truncate(long)
	assert.True(t, cut)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 40)
	assert.False(t, strings.HasSuffix(out, " "))
}

func TestTruncator_CharsCountsRunes(t *testing.T) {
	tr := processor.NewTruncator("", 0, 10)

	// The only space sits in the first half of the budget, so the cut
	// keeps the full ten characters.
	out, cut := tr.Truncate("éééé éééééééé")
	assert.True(t, cut)
	assert.Equal(t, "éééé ééééé", out)

	out, _ = tr.Truncate("ab cdefg hijklmnop")
	assert.Equal(t, "ab cdefg", out)
}
