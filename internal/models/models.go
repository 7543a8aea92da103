package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// Owner identifies the (document, user) pair that owns generated artifacts
// and quiz sessions.
type Owner struct {
	DocumentID int64
	UserID     string
}

type Document struct {
	ID            int64
	UserID        string
	OriginalName  string
	StoredPath    string
	MimeType      string
	PageCount     int
	ExtractedText string
	UploadedAt    time.Time
}

type ArtifactKind string

const (
	KindFlashcards ArtifactKind = "flashcards"
	KindFormulas   ArtifactKind = "formulas"
	KindNotes      ArtifactKind = "notes"
)

func (k ArtifactKind) Valid() bool {
	return k == KindFlashcards || k == KindFormulas || k == KindNotes
}

type Flashcard struct {
	ID            int64
	DocumentID    int64
	UserID        string
	ChunkID       int
	Front         string
	Back          string
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Formula struct {
	ID          int64
	DocumentID  int64
	UserID      string
	ChunkID     int
	Formula     string
	Explanation string
	CreatedAt   time.Time
}

type Note struct {
	ID         int64
	DocumentID int64
	UserID     string
	ChunkID    int
	Position   int
	Content    string
	CreatedAt  time.Time
}

type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

// QuizSession is the durable per-(document, user) quiz state.
type QuizSession struct {
	ID           int64
	DocumentID   int64
	UserID       string
	UsedChunkIDs []int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Uses reports whether chunk id has already produced a question.
func (s *QuizSession) Uses(chunkID int) bool {
	for _, id := range s.UsedChunkIDs {
		if id == chunkID {
			return true
		}
	}
	return false
}

type QuizQuestion struct {
	ID            int64
	SessionID     int64
	Question      string
	Options       []string
	CorrectAnswer string
	ChunkID       int
	CreatedAt     time.Time
}

type QuizSubmission struct {
	ID             int64
	SessionID      int64
	QuestionID     int64
	UserID         string
	SelectedAnswer string
	SubmittedAt    time.Time
}

// Answer is one entry of a quiz submission request.
type Answer struct {
	QuestionID     int64  `json:"question_id"`
	SelectedAnswer string `json:"selected_answer"`
}

type ScoreDetail struct {
	QuestionID     int64  `json:"question_id"`
	SelectedAnswer string `json:"selected_answer"`
	CorrectAnswer  string `json:"correct_answer,omitempty"`
	IsCorrect      bool   `json:"is_correct"`
	Error          string `json:"error,omitempty"`
}

// ScoreReport is derived on demand from a session's questions and submissions.
type ScoreReport struct {
	TotalQuestions int           `json:"total_questions"`
	Attempted      int           `json:"attempted"`
	Correct        int           `json:"correct"`
	Score          int           `json:"score"`
	Percentage     float64       `json:"percentage"`
	Details        []ScoreDetail `json:"details"`
}

func (c *Flashcard) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *Flashcard) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
