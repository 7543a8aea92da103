package services

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"study-ai/internal/db"
	"study-ai/internal/events"
	"study-ai/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func seedDocument(t *testing.T, conn *sql.DB, userID, text string) models.Owner {
	t.Helper()
	res, err := conn.Exec(`
		INSERT INTO documents (user_id, original_name, stored_path, mime_type, page_count, extracted_text, uploaded_at)
		VALUES (?, 'notes.txt', ?, 'text/plain', 1, ?, ?);
	`, userID, filepath.Join(t.TempDir(), userID+".txt"), text, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	id, _ := res.LastInsertId()
	return models.Owner{DocumentID: id, UserID: userID}
}

// scriptedAI answers each prompt through fn and records what it was asked.
type scriptedAI struct {
	mu      sync.Mutex
	prompts []string
	fn      func(call int, prompt string) (string, error)
}

func (s *scriptedAI) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	call := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.fn(call, prompt)
}

func (s *scriptedAI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedAI) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

// replies returns the scripted outputs in order and then empty arrays.
func replies(outs ...string) func(int, string) (string, error) {
	return func(call int, _ string) (string, error) {
		if call < len(outs) {
			return outs[call], nil
		}
		return "[]", nil
	}
}

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Publish(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturedEvents) Close() error { return nil }

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// chunkText builds n chunks of exactly size runes, each tagged with its index.
func chunkText(n, size int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		tag := "C" + string(rune('a'+i))
		b.WriteString(tag)
		b.WriteString(strings.Repeat(".", size-len(tag)))
	}
	return b.String()
}
