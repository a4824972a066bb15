package ingestion

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	text := strings.Repeat("a", 25) + " " + strings.Repeat("b", 24)
	require.Len(t, text, 50)

	chunks := NewSplitter(1000, 200).Split(text)
	require.Equal(t, []string{text}, chunks)
}

func TestSplit_EmptyText(t *testing.T) {
	require.Empty(t, NewSplitter(1000, 200).Split("   \n\n  "))
}

func TestSplit_RespectsSizeAndOverlaps(t *testing.T) {
	var words []string
	for i := 0; i < 600; i++ {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")

	chunks := NewSplitter(1000, 200).Split(text)
	require.Greater(t, len(chunks), 2)
	for _, c := range chunks {
		require.LessOrEqual(t, utf8.RuneCountInString(c), 1000)
	}

	// neighbouring chunks share a tail/head of at most the overlap
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		head := cur[:50]
		require.True(t, strings.Contains(prev, head), "chunk %d should start inside chunk %d", i, i-1)
	}
}

func TestSplit_PrefersParagraphs(t *testing.T) {
	p1 := strings.Repeat("x", 30)
	p2 := strings.Repeat("y", 30)

	chunks := NewSplitter(40, 0).Split(p1 + "\n\n" + p2)
	require.Equal(t, []string{p1, p2}, chunks)
}

func TestSplit_CountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("课", 25)
	chunks := NewSplitter(10, 2).Split(text)

	for _, c := range chunks {
		require.True(t, utf8.ValidString(c))
		require.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	require.Equal(t, "课课课课课课课课课课", chunks[0])
	require.Len(t, chunks, 3)
}
