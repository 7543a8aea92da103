package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"study-ai/internal/apperr"
	"study-ai/internal/chunking"
	"study-ai/internal/extract"
	"study-ai/internal/llm"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

const DefaultBatchChunkSize = 3000

// ProgressCallback is called while a document is processed to report progress.
type ProgressCallback func(step, message string, current, total int)

// BatchGenerator runs one artifact prompt over every chunk of a document.
type BatchGenerator struct {
	ai  llm.Completer
	log *logger.Logger
}

func NewBatchGenerator(ai llm.Completer, log *logger.Logger) *BatchGenerator {
	if log == nil {
		log = logger.Nop()
	}
	return &BatchGenerator{ai: ai, log: log.With("service", "BatchGenerator")}
}

// BatchPlan describes how one artifact kind is prompted, decoded and keyed.
type BatchPlan[T any] struct {
	Kind      models.ArtifactKind
	ChunkSize int
	Prompt    func(chunk string) string
	// Decode turns the extracted JSON value into items. It reports false when
	// the value has the wrong shape, which skips the chunk.
	Decode func(value any) ([]T, bool)
	// Key returns the normalized dedup key, or "" for an item that must be
	// dropped.
	Key      func(T) string
	Progress ProgressCallback
}

// Generated tags an item with the owner and the chunk that produced it.
type Generated[T any] struct {
	Owner   models.Owner
	ChunkID int
	Item    T
}

type Batch[T any] struct {
	Items         []Generated[T]
	TotalChunks   int
	SkippedChunks []int
	// Aborted is set when a gateway or context error stopped the loop early.
	Aborted bool
}

// Partial reports whether some chunks contributed nothing.
func (b Batch[T]) Partial() bool {
	return b.Aborted || len(b.SkippedChunks) > 0
}

// RunBatch chunks text and asks the model for items chunk by chunk, in order,
// then dedups them across chunks. A chunk whose response cannot be parsed is
// skipped. A gateway error stops
// the loop; the items gathered so far are returned along with the error.
func RunBatch[T any](ctx context.Context, g *BatchGenerator, text string, owner models.Owner, plan BatchPlan[T]) (Batch[T], error) {
	size := plan.ChunkSize
	if size == 0 {
		size = DefaultBatchChunkSize
	}
	chunks, err := chunking.Split(text, size)
	if err != nil {
		return Batch[T]{}, err
	}

	batch := Batch[T]{TotalChunks: len(chunks)}
	log := g.log.With("kind", plan.Kind, "document_id", owner.DocumentID, "user_id", owner.UserID)
	total := len(chunks)
	var found []Generated[T]

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			batch.Aborted = true
			batch.Items = Dedup(found, plan.Key)
			return batch, fmt.Errorf("%w: %w", apperr.ErrGenerationFailed, err)
		}
		if plan.Progress != nil {
			plan.Progress("generate", fmt.Sprintf("Processing chunk %d of %d", i+1, total), i, total)
		}

		raw, err := g.ai.Complete(ctx, plan.Prompt(chunk.Text))
		if err != nil {
			batch.Aborted = true
			batch.Items = Dedup(found, plan.Key)
			log.Error("chunk generation failed", "chunk_id", chunk.ID, "error", err)
			return batch, fmt.Errorf("chunk %d: %w", chunk.ID, err)
		}

		items, ok := plan.Decode(extract.JSON(raw))
		if !ok {
			batch.SkippedChunks = append(batch.SkippedChunks, chunk.ID)
			log.Warn("unparseable chunk response", "chunk_id", chunk.ID)
			continue
		}
		for _, item := range items {
			found = append(found, Generated[T]{Owner: owner, ChunkID: chunk.ID, Item: item})
		}
	}
	batch.Items = Dedup(found, plan.Key)

	if plan.Progress != nil {
		plan.Progress("complete", "Generation complete", total, total)
	}
	log.Info("batch complete", "chunks", total, "items", len(batch.Items), "skipped", len(batch.SkippedChunks))
	return batch, nil
}

// Dedup keeps the first item for every key and drops items with an empty key.
// Applying it twice yields the same list.
func Dedup[T any](items []Generated[T], key func(T) string) []Generated[T] {
	seen := make(dedupSet)
	out := make([]Generated[T], 0, len(items))
	for _, it := range items {
		if seen.add(key(it.Item)) {
			out = append(out, it)
		}
	}
	return out
}

type dedupSet map[string]struct{}

func (s dedupSet) add(key string) bool {
	if key == "" {
		return false
	}
	if _, dup := s[key]; dup {
		return false
	}
	s[key] = struct{}{}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// pairKey builds the two-field key used by flashcards. Either
// field being blank drops the item.
func pairKey(a, b string) string {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return ""
	}
	return a + "||" + b
}

// decodeObjects decodes each element of a JSON array into T, dropping
// elements that do not fit.
func decodeObjects[T any](value any) ([]T, bool) {
	arr, ok := value.([]any)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr))
	for _, el := range arr {
		raw, err := json.Marshal(el)
		if err != nil {
			continue
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, true
}

// Result is what a generation operation reports to its caller.
type Result[T any] struct {
	Items         []T   `json:"items"`
	TotalChunks   int   `json:"total_chunks"`
	SkippedChunks []int `json:"skipped_chunks,omitempty"`
	Partial       bool  `json:"partial"`
	// Reused is set when stored items were returned without generating.
	Reused bool `json:"reused,omitempty"`
}

// settle applies the partial-result policy: a failed batch that still
// produced items is reported as partial; one that produced nothing fails.
func settle[T, S any](batch Batch[T], runErr error, saved []S, log *logger.Logger) (*Result[S], error) {
	if runErr != nil && len(saved) == 0 {
		return nil, runErr
	}
	if runErr != nil {
		log.Warn("returning partial batch", "items", len(saved), "error", runErr)
	}
	return &Result[S]{
		Items:         saved,
		TotalChunks:   batch.TotalChunks,
		SkippedChunks: batch.SkippedChunks,
		Partial:       batch.Partial(),
	}, nil
}
