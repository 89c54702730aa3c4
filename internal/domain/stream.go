package domain

import "time"

// ChunkKind distinguishes incremental text from the terminal marker.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkComplete ChunkKind = "complete"
)

// StreamChunk is one ordered piece of output for a poll-mode request.
// Indexes start at 0 and have no gaps; a ChunkComplete chunk is always last.
type StreamChunk struct {
	Index   int       `json:"index"`
	Content string    `json:"content"`
	Kind    ChunkKind `json:"kind"`
}

// ChunkBuffer is the cache entry written by a background run and read by pollers.
type ChunkBuffer struct {
	Chunks         []StreamChunk `json:"chunks"`
	IsComplete     bool          `json:"is_complete"`
	ConversationID string        `json:"conversation_id,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at,omitzero"`
}

// Append adds a chunk with the next index. It is a no-op once the buffer is complete.
func (b *ChunkBuffer) Append(kind ChunkKind, content string) {
	if b.IsComplete {
		return
	}
	b.Chunks = append(b.Chunks, StreamChunk{Index: len(b.Chunks), Content: content, Kind: kind})
	if kind == ChunkComplete {
		b.IsComplete = true
	}
}

// Since returns the chunks with Index greater than lastIndex.
func (b *ChunkBuffer) Since(lastIndex int) []StreamChunk {
	start := max(lastIndex+1, 0)
	if start >= len(b.Chunks) {
		return []StreamChunk{}
	}
	out := make([]StreamChunk, len(b.Chunks)-start)
	copy(out, b.Chunks[start:])
	return out
}

// PollResult is what a single poll returns.
type PollResult struct {
	Chunks     []StreamChunk `json:"chunks"`
	IsComplete bool          `json:"is_complete"`
}
