package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"study-ai/internal/apperr"
	"study-ai/internal/events"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

var (
	// ErrNoDueCards indicates that there are no cards ready to review.
	ErrNoDueCards = errors.New("no due cards")
)

type FlashcardDraft struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

func flashcardKey(d FlashcardDraft) string { return pairKey(d.Front, d.Back) }

// FlashcardService generates cards from documents and schedules their
// review with FSRS.
type FlashcardService struct {
	db        *sql.DB
	gen       *BatchGenerator
	docs      TextSource
	events    events.Publisher
	log       *logger.Logger
	params    fsrs.Parameters
	chunkSize int
}

func NewFlashcardService(db *sql.DB, gen *BatchGenerator, docs TextSource, pub events.Publisher, log *logger.Logger, chunkSize int) *FlashcardService {
	if log == nil {
		log = logger.Nop()
	}
	return &FlashcardService{
		db:        db,
		gen:       gen,
		docs:      docs,
		events:    pub,
		log:       log.With("service", "FlashcardService"),
		params:    fsrs.DefaultParam(),
		chunkSize: chunkSize,
	}
}

// Generate runs the flashcard batch over the document and appends the new
// cards. Every call generates afresh.
func (s *FlashcardService) Generate(ctx context.Context, owner models.Owner, progress ProgressCallback) (*Result[models.Flashcard], error) {
	text, err := s.docs.ExtractedText(ctx, owner)
	if err != nil {
		return nil, err
	}

	batch, runErr := RunBatch(ctx, s.gen, text, owner, BatchPlan[FlashcardDraft]{
		Kind:      models.KindFlashcards,
		ChunkSize: s.chunkSize,
		Prompt:    flashcardPrompt,
		Decode:    decodeObjects[FlashcardDraft],
		Key:       flashcardKey,
		Progress:  progress,
	})

	saved, err := s.insert(ctx, batch.Items)
	if err != nil {
		return nil, err
	}
	res, err := settle(batch, runErr, saved, s.log)
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, s.events, s.log, events.New(events.ArtifactsGenerated, owner.DocumentID, owner.UserID, map[string]any{
		"kind":    models.KindFlashcards,
		"count":   len(saved),
		"partial": res.Partial,
	}))
	return res, nil
}

func (s *FlashcardService) insert(ctx context.Context, items []Generated[FlashcardDraft]) (cards []models.Flashcard, err error) {
	cards = make([]models.Flashcard, 0, len(items))
	if len(items) == 0 {
		return cards, nil
	}
	// The batch may have been cut short by the caller's context; what was
	// generated is still stored.
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

	stmt, err := tx.PrepareContext(wctx, `
		INSERT INTO flashcards (document_id, user_id, chunk_id, front, back, due, stability, difficulty,
		                        elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, NULL, ?, ?);
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare card insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, it := range items {
		card := models.Flashcard{
			DocumentID: it.Owner.DocumentID,
			UserID:     it.Owner.UserID,
			ChunkID:    it.ChunkID,
			Front:      it.Item.Front,
			Back:       it.Item.Back,
			Due:        sql.NullTime{Time: now, Valid: true},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res, execErr := stmt.ExecContext(wctx, card.DocumentID, card.UserID, card.ChunkID, card.Front, card.Back, now, now, now)
		if execErr != nil {
			err = fmt.Errorf("insert card %q: %w", card.Front, execErr)
			return nil, err
		}
		if card.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("card id: %w", err)
		}
		cards = append(cards, card)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cards: %w", err)
	}
	return cards, nil
}

const flashcardColumns = `id, document_id, user_id, chunk_id, front, back, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlashcard(row rowScanner) (*models.Flashcard, error) {
	card := &models.Flashcard{}
	if err := row.Scan(
		&card.ID,
		&card.DocumentID,
		&card.UserID,
		&card.ChunkID,
		&card.Front,
		&card.Back,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return card, nil
}

// List returns the owner's cards in generation order.
func (s *FlashcardService) List(ctx context.Context, owner models.Owner) ([]models.Flashcard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE document_id = ? AND user_id = ?
		ORDER BY id ASC;
	`, owner.DocumentID, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("list flashcards: %w", err)
	}
	defer rows.Close()

	cards := []models.Flashcard{}
	for rows.Next() {
		card, err := scanFlashcard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flashcard: %w", err)
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flashcards: %w", err)
	}
	return cards, nil
}

// Next returns the user's next card: the most overdue one, else the oldest
// card never reviewed.
func (s *FlashcardService) Next(ctx context.Context, userID string) (*models.Flashcard, error) {
	now := time.Now().UTC()

	card, err := scanFlashcard(s.db.QueryRowContext(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE user_id = ? AND due IS NOT NULL AND due <= ?
		ORDER BY due ASC, id ASC
		LIMIT 1;
	`, userID, now))
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load due card: %w", err)
	}

	card, err = scanFlashcard(s.db.QueryRowContext(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE user_id = ? AND reps = 0
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDueCards
		}
		return nil, fmt.Errorf("load unseen card: %w", err)
	}
	return card, nil
}

// Review updates the scheduling information based on the user's rating.
func (s *FlashcardService) Review(ctx context.Context, userID string, cardID int64, rating fsrs.Rating) (card *models.Flashcard, entry *models.ReviewLog, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card, err = scanFlashcard(tx.QueryRowContext(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE id = ? AND user_id = ?;
	`, cardID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: card %d", apperr.ErrNotFound, cardID)
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("load card %d: %w", cardID, err)
	}

	now := time.Now().UTC()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		err = fmt.Errorf("%w: rating %d not supported", apperr.ErrInvalidInput, rating)
		return nil, nil, err
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if _, err = tx.ExecContext(ctx, `
		UPDATE flashcards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		return nil, nil, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, card.ID, info.ReviewLog.Rating, info.ReviewLog.ScheduledDays, info.ReviewLog.ElapsedDays, info.ReviewLog.State, now)
	if err != nil {
		return nil, nil, fmt.Errorf("insert review log: %w", err)
	}
	logID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("review log id: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}

	entry = &models.ReviewLog{
		CardID:        card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}
	entry.ID = logID
	return card, entry, nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}
