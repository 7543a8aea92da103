// Package events emits best-effort notifications about generation and quiz
// activity. Nothing in the generation path depends on delivery.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"study-ai/internal/logger"
)

const (
	QuizGenerated      = "quiz.generated"
	QuizRegenerated    = "quiz.regenerated"
	QuizSubmitted      = "quiz.submitted"
	ArtifactsGenerated = "artifacts.generated"
)

const emitTimeout = 2 * time.Second

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	DocumentID int64          `json:"document_id"`
	UserID     string         `json:"user_id"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func New(eventType string, documentID int64, userID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		DocumentID: documentID,
		UserID:     userID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Emit publishes ev with a short deadline detached from the caller's
// cancellation. Failures are logged and swallowed.
func Emit(ctx context.Context, pub Publisher, log *logger.Logger, ev Event) {
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := pub.Publish(ctx, ev); err != nil && log != nil {
		log.Warn("event publish failed", "type", ev.Type, "document_id", ev.DocumentID, "error", err)
	}
}
