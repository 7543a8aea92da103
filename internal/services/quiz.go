package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"study-ai/internal/apperr"
	"study-ai/internal/chunking"
	"study-ai/internal/events"
	"study-ai/internal/extract"
	"study-ai/internal/llm"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

const (
	DefaultQuizChunkSize    = 1200
	DefaultQuizMaxQuestions = 10
	quizOptionCount         = 4
)

type QuizConfig struct {
	ChunkSize    int
	MaxQuestions int
}

// QuizService owns one quiz session per document and user. Every chunk
// contributes at most one question per session, and all session operations
// for the same owner run one at a time.
type QuizService struct {
	db     *sql.DB
	ai     llm.Completer
	docs   TextSource
	events events.Publisher
	log    *logger.Logger
	locks  *KeyedMutex

	chunkSize    int
	maxQuestions int
}

func NewQuizService(db *sql.DB, ai llm.Completer, docs TextSource, pub events.Publisher, log *logger.Logger, cfg QuizConfig) *QuizService {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultQuizChunkSize
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = DefaultQuizMaxQuestions
	}
	return &QuizService{
		db:           db,
		ai:           ai,
		docs:         docs,
		events:       pub,
		log:          log.With("service", "QuizService"),
		locks:        NewKeyedMutex(),
		chunkSize:    cfg.ChunkSize,
		maxQuestions: cfg.MaxQuestions,
	}
}

type questionDraft struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

var errRejectedQuestion = errors.New("rejected question")

// parseQuestion validates one model response against the question rules and
// the session's earlier questions.
func parseQuestion(raw string, previous []string) (*questionDraft, error) {
	obj := extract.Object(raw)
	if obj == nil {
		return nil, fmt.Errorf("%w: no JSON object", errRejectedQuestion)
	}
	buf, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRejectedQuestion, err)
	}
	var d questionDraft
	if err := json.Unmarshal(buf, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", errRejectedQuestion, err)
	}

	d.Question = strings.TrimSpace(d.Question)
	d.CorrectAnswer = strings.TrimSpace(d.CorrectAnswer)
	for i := range d.Options {
		d.Options[i] = strings.TrimSpace(d.Options[i])
	}

	switch {
	case d.Question == "":
		return nil, fmt.Errorf("%w: empty question", errRejectedQuestion)
	case len(d.Options) != quizOptionCount:
		return nil, fmt.Errorf("%w: %d options", errRejectedQuestion, len(d.Options))
	case !slices.Contains(d.Options, d.CorrectAnswer):
		return nil, fmt.Errorf("%w: correct answer not among options", errRejectedQuestion)
	}
	for _, p := range previous {
		if normalize(p) == normalize(d.Question) {
			return nil, fmt.Errorf("%w: duplicate question", errRejectedQuestion)
		}
	}
	return &d, nil
}

// Generate adds up to maxNew questions, one per chunk not yet used by the
// session. A non-positive maxNew selects the configured default. When the
// gateway fails midway the questions already stored are returned with the
// error.
func (s *QuizService) Generate(ctx context.Context, owner models.Owner, maxNew int) ([]models.QuizQuestion, error) {
	unlock := s.locks.Lock(ownerKey(owner))
	defer unlock()

	text, err := s.docs.ExtractedText(ctx, owner)
	if err != nil {
		return nil, err
	}
	questions, err := s.generateLocked(ctx, owner, text, maxNew)
	s.emit(ctx, events.QuizGenerated, owner, len(questions), err)
	return questions, err
}

// Regenerate discards the session's questions, submissions and used chunks
// and then generates a fresh set. Without a session it behaves like Generate.
func (s *QuizService) Regenerate(ctx context.Context, owner models.Owner, maxNew int) ([]models.QuizQuestion, error) {
	unlock := s.locks.Lock(ownerKey(owner))
	defer unlock()

	text, err := s.docs.ExtractedText(ctx, owner)
	if err != nil {
		return nil, err
	}

	session, err := s.findSession(ctx, owner)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := s.reset(ctx, session.ID); err != nil {
			return nil, err
		}
	}

	questions, err := s.generateLocked(ctx, owner, text, maxNew)
	s.emit(ctx, events.QuizRegenerated, owner, len(questions), err)
	return questions, err
}

func (s *QuizService) generateLocked(ctx context.Context, owner models.Owner, text string, maxNew int) ([]models.QuizQuestion, error) {
	if maxNew <= 0 {
		maxNew = s.maxQuestions
	}
	session, err := s.ensureSession(ctx, owner)
	if err != nil {
		return nil, err
	}
	existing, err := s.listQuestions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	previous := make([]string, 0, len(existing))
	for _, q := range existing {
		previous = append(previous, q.Question)
	}

	chunks, err := chunking.Split(text, s.chunkSize)
	if err != nil {
		return nil, err
	}

	log := s.log.With("document_id", owner.DocumentID, "user_id", owner.UserID, "session_id", session.ID)
	generated := []models.QuizQuestion{}
	for _, chunk := range chunks {
		if len(generated) >= maxNew {
			break
		}
		if session.Uses(chunk.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return generated, fmt.Errorf("%w: %w", apperr.ErrGenerationFailed, err)
		}

		raw, err := s.ai.Complete(ctx, mcqPrompt(chunk.Text, previous))
		if err != nil {
			log.Error("question generation failed", "chunk_id", chunk.ID, "error", err)
			return generated, fmt.Errorf("chunk %d: %w", chunk.ID, err)
		}
		draft, err := parseQuestion(raw, previous)
		if err != nil {
			log.Warn("skipping chunk", "chunk_id", chunk.ID, "reason", err)
			continue
		}

		q, err := s.storeQuestion(ctx, session, draft, chunk.ID)
		if err != nil {
			return generated, err
		}
		generated = append(generated, *q)
		previous = append(previous, q.Question)
	}

	log.Info("quiz generation complete", "new_questions", len(generated), "used_chunks", len(session.UsedChunkIDs), "chunks", len(chunks))
	return generated, nil
}

// storeQuestion inserts the question and marks its chunk used in one
// transaction, then mirrors the change onto session.
func (s *QuizService) storeQuestion(ctx context.Context, session *models.QuizSession, d *questionDraft, chunkID int) (q *models.QuizQuestion, err error) {
	wctx := context.WithoutCancel(ctx)
	used := append(slices.Clone(session.UsedChunkIDs), chunkID)
	slices.Sort(used)
	usedJSON, err := json.Marshal(used)
	if err != nil {
		return nil, fmt.Errorf("encode used chunks: %w", err)
	}
	optionsJSON, err := json.Marshal(d.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(wctx, `
		INSERT INTO quiz_questions (session_id, question, options, correct_answer, chunk_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, session.ID, d.Question, string(optionsJSON), d.CorrectAnswer, chunkID, now)
	if err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("question id: %w", err)
	}

	if _, err = tx.ExecContext(wctx, `
		UPDATE quiz_sessions SET used_chunk_ids = ?, updated_at = ? WHERE id = ?;
	`, string(usedJSON), now, session.ID); err != nil {
		return nil, fmt.Errorf("update used chunks: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit question: %w", err)
	}

	session.UsedChunkIDs = used
	session.UpdatedAt = now
	return &models.QuizQuestion{
		ID:            id,
		SessionID:     session.ID,
		Question:      d.Question,
		Options:       d.Options,
		CorrectAnswer: d.CorrectAnswer,
		ChunkID:       chunkID,
		CreatedAt:     now,
	}, nil
}

func (s *QuizService) reset(ctx context.Context, sessionID int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM quiz_submissions WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete submissions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM quiz_questions WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete questions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE quiz_sessions SET used_chunk_ids = '[]', updated_at = ? WHERE id = ?;
	`, time.Now().UTC(), sessionID); err != nil {
		return fmt.Errorf("reset used chunks: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// Submit records answers for the owner's session. Question ids are not
// checked here; unknown ones surface in the score details.
func (s *QuizService) Submit(ctx context.Context, owner models.Owner, answers []models.Answer) (n int, err error) {
	unlock := s.locks.Lock(ownerKey(owner))
	defer unlock()

	session, err := s.findSession(ctx, owner)
	if err != nil {
		return 0, err
	}
	if len(answers) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, a := range answers {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO quiz_submissions (session_id, question_id, user_id, selected_answer, submitted_at)
			VALUES (?, ?, ?, ?, ?);
		`, session.ID, a.QuestionID, owner.UserID, a.SelectedAnswer, now); err != nil {
			return 0, fmt.Errorf("insert submission: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit submissions: %w", err)
	}

	s.emit(ctx, events.QuizSubmitted, owner, len(answers), nil)
	return len(answers), nil
}

// Score derives the report from stored questions and submissions. The most
// recent submission for a question is the one that counts.
func (s *QuizService) Score(ctx context.Context, owner models.Owner) (*models.ScoreReport, error) {
	unlock := s.locks.Lock(ownerKey(owner))
	defer unlock()

	session, err := s.findSession(ctx, owner)
	if err != nil {
		return nil, err
	}
	questions, err := s.listQuestions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	subs, err := s.listSubmissions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return scoreReport(questions, subs), nil
}

func scoreReport(questions []models.QuizQuestion, subs []models.QuizSubmission) *models.ScoreReport {
	byID := make(map[int64]models.QuizQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	latest := make(map[int64]models.QuizSubmission)
	var order []int64
	for _, sub := range subs {
		if _, seen := latest[sub.QuestionID]; !seen {
			order = append(order, sub.QuestionID)
		}
		latest[sub.QuestionID] = sub
	}

	report := &models.ScoreReport{
		TotalQuestions: len(questions),
		Details:        make([]models.ScoreDetail, 0, len(order)),
	}
	for _, qid := range order {
		sub := latest[qid]
		q, ok := byID[qid]
		if !ok {
			report.Details = append(report.Details, models.ScoreDetail{
				QuestionID:     qid,
				SelectedAnswer: sub.SelectedAnswer,
				Error:          "question not found",
			})
			continue
		}
		correct := sub.SelectedAnswer == q.CorrectAnswer
		report.Attempted++
		if correct {
			report.Correct++
		}
		report.Details = append(report.Details, models.ScoreDetail{
			QuestionID:     qid,
			SelectedAnswer: sub.SelectedAnswer,
			CorrectAnswer:  q.CorrectAnswer,
			IsCorrect:      correct,
		})
	}
	report.Score = report.Correct
	if report.TotalQuestions > 0 {
		pct := float64(report.Correct) / float64(report.TotalQuestions) * 100
		report.Percentage = math.Round(pct*100) / 100
	}
	return report
}

// Questions lists the session's questions in creation order. A missing
// session yields an empty list.
func (s *QuizService) Questions(ctx context.Context, owner models.Owner) ([]models.QuizQuestion, error) {
	session, err := s.findSession(ctx, owner)
	if errors.Is(err, apperr.ErrNotFound) {
		return []models.QuizQuestion{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.listQuestions(ctx, session.ID)
}

// Session returns the owner's session state.
func (s *QuizService) Session(ctx context.Context, owner models.Owner) (*models.QuizSession, error) {
	return s.findSession(ctx, owner)
}

func (s *QuizService) ensureSession(ctx context.Context, owner models.Owner) (*models.QuizSession, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_sessions (document_id, user_id, used_chunk_ids, created_at, updated_at)
		VALUES (?, ?, '[]', ?, ?)
		ON CONFLICT(document_id, user_id) DO NOTHING;
	`, owner.DocumentID, owner.UserID, now, now); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.findSession(ctx, owner)
}

func (s *QuizService) findSession(ctx context.Context, owner models.Owner) (*models.QuizSession, error) {
	var (
		session models.QuizSession
		used    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, user_id, used_chunk_ids, created_at, updated_at
		FROM quiz_sessions WHERE document_id = ? AND user_id = ?;
	`, owner.DocumentID, owner.UserID).Scan(
		&session.ID,
		&session.DocumentID,
		&session.UserID,
		&used,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no quiz session for document %d", apperr.ErrNotFound, owner.DocumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(used), &session.UsedChunkIDs); err != nil {
		return nil, fmt.Errorf("decode used chunks: %w", err)
	}
	return &session, nil
}

func (s *QuizService) listQuestions(ctx context.Context, sessionID int64) ([]models.QuizQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, options, correct_answer, chunk_id, created_at
		FROM quiz_questions WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	questions := []models.QuizQuestion{}
	for rows.Next() {
		var (
			q       models.QuizQuestion
			options string
		)
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Question, &options, &q.CorrectAnswer, &q.ChunkID, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options for question %d: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return questions, nil
}

func (s *QuizService) listSubmissions(ctx context.Context, sessionID int64) ([]models.QuizSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question_id, user_id, selected_answer, submitted_at
		FROM quiz_submissions WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := []models.QuizSubmission{}
	for rows.Next() {
		var sub models.QuizSubmission
		if err := rows.Scan(&sub.ID, &sub.SessionID, &sub.QuestionID, &sub.UserID, &sub.SelectedAnswer, &sub.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}

func (s *QuizService) emit(ctx context.Context, eventType string, owner models.Owner, count int, err error) {
	if count == 0 {
		return
	}
	data := map[string]any{"count": count}
	if err != nil {
		data["partial"] = true
	}
	events.Emit(ctx, s.events, s.log, events.New(eventType, owner.DocumentID, owner.UserID, data))
}
