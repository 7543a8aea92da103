package api

import (
	"study-ai/internal/models"
	"study-ai/internal/services"
)

func documentJSON(doc *models.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"name":        doc.OriginalName,
		"mime_type":   doc.MimeType,
		"pages":       doc.PageCount,
		"uploaded_at": doc.UploadedAt.Format(timeLayout),
	}
}

func flashcardJSON(card models.Flashcard) map[string]any {
	return map[string]any{
		"id":          card.ID,
		"document_id": card.DocumentID,
		"chunk_id":    card.ChunkID,
		"front":       card.Front,
		"back":        card.Back,
		"due":         nullTimeToString(card.Due),
		"state":       card.State,
		"stability":   card.Stability,
	}
}

func formulaJSON(f models.Formula) map[string]any {
	return map[string]any{
		"id":          f.ID,
		"chunk_id":    f.ChunkID,
		"formula":     f.Formula,
		"explanation": f.Explanation,
	}
}

func noteJSON(n models.Note) map[string]any {
	return map[string]any{
		"id":       n.ID,
		"chunk_id": n.ChunkID,
		"position": n.Position,
		"content":  n.Content,
	}
}

// questionJSON leaves out the correct answer; the score report reveals it.
func questionJSON(q models.QuizQuestion) map[string]any {
	return map[string]any{
		"id":       q.ID,
		"question": q.Question,
		"options":  q.Options,
		"chunk_id": q.ChunkID,
	}
}

func mapItems[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

func resultJSON[T any](key string, res *services.Result[T], fn func(T) map[string]any) map[string]any {
	body := map[string]any{
		key:            mapItems(res.Items, fn),
		"total_chunks": res.TotalChunks,
		"partial":      res.Partial,
	}
	if len(res.SkippedChunks) > 0 {
		body["skipped_chunks"] = res.SkippedChunks
	}
	if res.Reused {
		body["reused"] = true
	}
	return body
}
