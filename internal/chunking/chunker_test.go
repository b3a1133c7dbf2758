package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_EmptyAndShort(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "empty", text: "", want: nil},
		{name: "whitespace only", text: " \n\t\n  ", want: nil},
		{name: "short", text: "  A short note.\n", want: []string{"A short note."}},
		{name: "internal whitespace kept", text: "\nline one\n\n  line two  \n", want: []string{"line one\n\n  line two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.text, 1000, 200))
		})
	}
}

func TestChunk_HardCut(t *testing.T) {
	text := strings.Repeat("a", 2500)

	chunks := Chunk(text, 1000, 200)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 1000, "no word boundary in the tail, so nothing is carried over")
	assert.Len(t, chunks[2], 500)
}

func TestChunk_ParagraphBoundary(t *testing.T) {
	para1 := strings.TrimSpace(strings.Repeat("word ", 120))
	para2 := strings.TrimSpace(strings.Repeat("term ", 120))
	text := para1 + "\n\n" + para2

	chunks := Chunk(text, 1000, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, para1, chunks[0])
	assert.Equal(t, para2, chunks[1])

	chunks = Chunk(text, 1000, 20)
	require.Len(t, chunks, 2)
	assert.Equal(t, para1, chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "word word word\n\nterm term"), chunks[1][:40])
}

func TestChunk_SentenceBoundary(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps. ", 60)
	words := map[string]bool{"The": true, "quick": true, "brown": true, "fox": true, "jumps.": true}

	chunks := Chunk(text, 100, 20)

	require.Greater(t, len(chunks), 10)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 120)
		assert.Equal(t, strings.TrimSpace(c), c)
		assert.True(t, words[strings.Fields(c)[0]], "chunk %d starts mid-word: %q", i, c)
		if i < len(chunks)-1 {
			assert.True(t, strings.HasSuffix(c, "."), "chunk %d should end at a sentence: %q", i, c)
		}
	}
}

func TestChunk_Overlap(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 100)

	chunks := Chunk(text, 200, 50)
	require.Greater(t, len(chunks), 2)

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		head := strings.Fields(cur)[0]
		assert.Contains(t, prev[len(prev)-60:], head, "chunk %d should begin with text from the end of chunk %d", i, i-1)
	}
}

func TestChunk_Deterministic(t *testing.T) {
	text := strings.Repeat("Paragraph one has sentences. It keeps going!\n\nAnother one? Yes. ", 80)

	first := Chunk(text, 300, 60)
	second := Chunk(text, 300, 60)

	assert.Equal(t, first, second)
}

func TestChunk_Multibyte(t *testing.T) {
	text := strings.Repeat("日本語のテキスト。", 300)

	for _, c := range Chunk(text, 100, 10) {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 110)
	}
}

func TestOptions_Normalize(t *testing.T) {
	tests := []struct {
		in   Options
		want Options
	}{
		{Options{0, 0}, Options{DefaultSize, 0}},
		{Options{500, -5}, Options{500, 0}},
		{Options{100, 100}, Options{100, 50}},
		{Options{100, 300}, Options{100, 50}},
		{DefaultOptions(), Options{1000, 200}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize())
	}
}
