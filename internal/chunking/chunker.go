// Package chunking splits extracted document text into bounded windows that
// fit a single model request.
package chunking

import (
	"fmt"

	"study-ai/internal/apperr"
)

// Chunk is one contiguous slice of the source text. ID is the zero-based
// position of the chunk; Start and End are byte offsets into the source.
type Chunk struct {
	ID    int    `json:"chunk_id"`
	Start int    `json:"start_index"`
	End   int    `json:"end_index"`
	Text  string `json:"text"`
}

// Split cuts text into consecutive chunks of at most size characters. The
// last chunk may be shorter; empty text yields no chunks.
func Split(text string, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", apperr.ErrInvalidInput, size)
	}
	if text == "" {
		return nil, nil
	}

	chunks := make([]Chunk, 0, len(text)/size+1)
	start, count := 0, 0
	for offset := range text {
		if count == size {
			chunks = append(chunks, Chunk{ID: len(chunks), Start: start, End: offset, Text: text[start:offset]})
			start, count = offset, 0
		}
		count++
	}
	chunks = append(chunks, Chunk{ID: len(chunks), Start: start, End: len(text), Text: text[start:]})
	return chunks, nil
}
