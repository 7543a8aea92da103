package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"study-ai/internal/events"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

// decodeNotes accepts a bare array of strings or an object wrapping one under
// "short_notes" or "notes".
func decodeNotes(value any) ([]string, bool) {
	if obj, ok := value.(map[string]any); ok {
		if inner, ok := obj["short_notes"]; ok {
			value = inner
		} else if inner, ok := obj["notes"]; ok {
			value = inner
		}
	}
	arr, ok := value.([]any)
	if !ok {
		return nil, false
	}
	notes := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				notes = append(notes, s)
			}
		}
	}
	return notes, true
}

// NoteService produces short notes; each run replaces the stored set.
type NoteService struct {
	db        *sql.DB
	gen       *BatchGenerator
	docs      TextSource
	events    events.Publisher
	log       *logger.Logger
	chunkSize int
}

func NewNoteService(db *sql.DB, gen *BatchGenerator, docs TextSource, pub events.Publisher, log *logger.Logger, chunkSize int) *NoteService {
	if log == nil {
		log = logger.Nop()
	}
	return &NoteService{
		db:        db,
		gen:       gen,
		docs:      docs,
		events:    pub,
		log:       log.With("service", "NoteService"),
		chunkSize: chunkSize,
	}
}

// Generate runs the notes batch. A non-empty result replaces the stored
// notes; an empty one leaves them untouched.
func (s *NoteService) Generate(ctx context.Context, owner models.Owner, progress ProgressCallback) (*Result[models.Note], error) {
	text, err := s.docs.ExtractedText(ctx, owner)
	if err != nil {
		return nil, err
	}

	batch, runErr := RunBatch(ctx, s.gen, text, owner, BatchPlan[string]{
		Kind:      models.KindNotes,
		ChunkSize: s.chunkSize,
		Prompt:    notesPrompt,
		Decode:    decodeNotes,
		Key:       normalize,
		Progress:  progress,
	})

	saved, err := s.replace(ctx, owner, batch.Items)
	if err != nil {
		return nil, err
	}
	res, err := settle(batch, runErr, saved, s.log)
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, s.events, s.log, events.New(events.ArtifactsGenerated, owner.DocumentID, owner.UserID, map[string]any{
		"kind":    models.KindNotes,
		"count":   len(saved),
		"partial": res.Partial,
	}))
	return res, nil
}

func (s *NoteService) replace(ctx context.Context, owner models.Owner, items []Generated[string]) (notes []models.Note, err error) {
	notes = make([]models.Note, 0, len(items))
	if len(items) == 0 {
		return notes, nil
	}
	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(wctx, `DELETE FROM notes WHERE document_id = ? AND user_id = ?;`, owner.DocumentID, owner.UserID); err != nil {
		return nil, fmt.Errorf("clear notes: %w", err)
	}

	now := time.Now().UTC()
	for i, it := range items {
		n := models.Note{
			DocumentID: it.Owner.DocumentID,
			UserID:     it.Owner.UserID,
			ChunkID:    it.ChunkID,
			Position:   i,
			Content:    it.Item,
			CreatedAt:  now,
		}
		res, execErr := tx.ExecContext(wctx, `
			INSERT INTO notes (document_id, user_id, chunk_id, position, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, n.DocumentID, n.UserID, n.ChunkID, n.Position, n.Content, now)
		if execErr != nil {
			return nil, fmt.Errorf("insert note %d: %w", i, execErr)
		}
		if n.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("note id: %w", err)
		}
		notes = append(notes, n)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit notes: %w", err)
	}
	return notes, nil
}

func (s *NoteService) List(ctx context.Context, owner models.Owner) ([]models.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, chunk_id, position, content, created_at
		FROM notes
		WHERE document_id = ? AND user_id = ?
		ORDER BY position ASC;
	`, owner.DocumentID, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := []models.Note{}
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.DocumentID, &n.UserID, &n.ChunkID, &n.Position, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}
