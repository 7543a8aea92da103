package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"study-ai/internal/events"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

type FormulaDraft struct {
	Formula string `json:"formula"`
	Meaning string `json:"meaning"`
	// Some models answer with "explanation" instead of "meaning".
	Explanation string `json:"explanation"`
}

func (d FormulaDraft) text() string {
	if d.Meaning != "" {
		return d.Meaning
	}
	return d.Explanation
}

// formulaKey dedups on the formula alone; drafts without a meaning are dropped.
func formulaKey(d FormulaDraft) string {
	if normalize(d.text()) == "" {
		return ""
	}
	return normalize(d.Formula)
}

// FormulaService extracts formulas once per document and user.
type FormulaService struct {
	db        *sql.DB
	gen       *BatchGenerator
	docs      TextSource
	events    events.Publisher
	log       *logger.Logger
	chunkSize int
}

func NewFormulaService(db *sql.DB, gen *BatchGenerator, docs TextSource, pub events.Publisher, log *logger.Logger, chunkSize int) *FormulaService {
	if log == nil {
		log = logger.Nop()
	}
	return &FormulaService{
		db:        db,
		gen:       gen,
		docs:      docs,
		events:    pub,
		log:       log.With("service", "FormulaService"),
		chunkSize: chunkSize,
	}
}

// Generate returns the stored formulas when any exist. Otherwise it runs the
// batch and stores the result once every chunk has been processed.
func (s *FormulaService) Generate(ctx context.Context, owner models.Owner, progress ProgressCallback) (*Result[models.Formula], error) {
	text, err := s.docs.ExtractedText(ctx, owner)
	if err != nil {
		return nil, err
	}

	existing, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &Result[models.Formula]{Items: existing, Reused: true}, nil
	}

	batch, runErr := RunBatch(ctx, s.gen, text, owner, BatchPlan[FormulaDraft]{
		Kind:      models.KindFormulas,
		ChunkSize: s.chunkSize,
		Prompt:    formulaPrompt,
		Decode:    decodeObjects[FormulaDraft],
		Key:       formulaKey,
		Progress:  progress,
	})

	// A stopped batch is returned but not stored, so the next call starts over
	// instead of reusing an incomplete set.
	var saved []models.Formula
	if runErr != nil {
		saved = draftFormulas(batch.Items, time.Now().UTC())
	} else if saved, err = s.insert(ctx, batch.Items); err != nil {
		return nil, err
	}
	res, err := settle(batch, runErr, saved, s.log)
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, s.events, s.log, events.New(events.ArtifactsGenerated, owner.DocumentID, owner.UserID, map[string]any{
		"kind":    models.KindFormulas,
		"count":   len(res.Items),
		"partial": res.Partial,
	}))
	return res, nil
}

func (s *FormulaService) insert(ctx context.Context, items []Generated[FormulaDraft]) (formulas []models.Formula, err error) {
	formulas = make([]models.Formula, 0, len(items))
	if len(items) == 0 {
		return formulas, nil
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

	for _, f := range draftFormulas(items, time.Now().UTC()) {
		res, execErr := tx.ExecContext(wctx, `
			INSERT INTO formulas (document_id, user_id, chunk_id, formula, explanation, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, f.DocumentID, f.UserID, f.ChunkID, f.Formula, f.Explanation, f.CreatedAt)
		if execErr != nil {
			return nil, fmt.Errorf("insert formula %q: %w", f.Formula, execErr)
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("formula id: %w", err)
		}
		formulas = append(formulas, f)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit formulas: %w", err)
	}
	return formulas, nil
}

// draftFormulas maps batch items to formulas without ids.
func draftFormulas(items []Generated[FormulaDraft], now time.Time) []models.Formula {
	out := make([]models.Formula, 0, len(items))
	for _, it := range items {
		out = append(out, models.Formula{
			DocumentID:  it.Owner.DocumentID,
			UserID:      it.Owner.UserID,
			ChunkID:     it.ChunkID,
			Formula:     it.Item.Formula,
			Explanation: it.Item.text(),
			CreatedAt:   now,
		})
	}
	return out
}

func (s *FormulaService) List(ctx context.Context, owner models.Owner) ([]models.Formula, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, chunk_id, formula, explanation, created_at
		FROM formulas
		WHERE document_id = ? AND user_id = ?
		ORDER BY id ASC;
	`, owner.DocumentID, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("list formulas: %w", err)
	}
	defer rows.Close()

	formulas := []models.Formula{}
	for rows.Next() {
		var f models.Formula
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.UserID, &f.ChunkID, &f.Formula, &f.Explanation, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan formula: %w", err)
		}
		formulas = append(formulas, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate formulas: %w", err)
	}
	return formulas, nil
}
