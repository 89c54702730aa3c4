package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkBufferAppend(t *testing.T) {
	var b ChunkBuffer
	b.Append(ChunkText, "Hel")
	b.Append(ChunkText, "lo")
	b.Append(ChunkComplete, "")
	b.Append(ChunkText, "late")

	assert.True(t, b.IsComplete)
	assert.Len(t, b.Chunks, 3)
	for i, c := range b.Chunks {
		assert.Equal(t, i, c.Index)
	}
	assert.Equal(t, ChunkComplete, b.Chunks[2].Kind)
}

func TestChunkBufferSince(t *testing.T) {
	var b ChunkBuffer
	b.Append(ChunkText, "a")
	b.Append(ChunkText, "b")

	assert.Len(t, b.Since(-1), 2)
	assert.Len(t, b.Since(-7), 2)
	got := b.Since(0)
	assert.Equal(t, []StreamChunk{{Index: 1, Content: "b", Kind: ChunkText}}, got)
	assert.NotNil(t, b.Since(1))
	assert.Empty(t, b.Since(5))

	got[0].Content = "mutated"
	assert.Equal(t, "b", b.Chunks[1].Content)
}
