package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashString("hello"))
}

func TestEmbeddingKey_DependsOnModel(t *testing.T) {
	a := EmbeddingKey("text-embedding-3-small", "lecture 1")
	b := EmbeddingKey("text-embedding-v3", "lecture 1")
	require.NotEqual(t, a, b)
	require.Equal(t, a, EmbeddingKey("text-embedding-3-small", "lecture 1"))
}

func TestDocumentID_StablePerOwner(t *testing.T) {
	require.Equal(t, DocumentID("U1", "notes.txt"), DocumentID("u1", "notes.txt"))
	require.NotEqual(t, DocumentID("u1", "notes.txt"), DocumentID("u2", "notes.txt"))
}
