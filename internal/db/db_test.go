package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.db")

	conn, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	conn.Close()

	conn, err = Open(path)
	if err != nil {
		t.Fatalf("reopen should be a no-op migration: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"documents", "flashcards", "formulas", "notes", "quiz_sessions", "quiz_questions", "quiz_submissions", "review_logs"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestDocumentDeleteCascades(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	now := time.Now().UTC()
	res, err := conn.Exec(`INSERT INTO documents (user_id, original_name, stored_path, uploaded_at) VALUES ('u1', 'a.txt', '/tmp/a', ?)`, now)
	if err != nil {
		t.Fatal(err)
	}
	docID, _ := res.LastInsertId()
	if _, err := conn.Exec(`INSERT INTO formulas (document_id, user_id, chunk_id, formula, explanation, created_at) VALUES (?, 'u1', 0, 'F = ma', 'force', ?)`, docID, now); err != nil {
		t.Fatal(err)
	}
	res, err = conn.Exec(`INSERT INTO quiz_sessions (document_id, user_id, created_at, updated_at) VALUES (?, 'u1', ?, ?)`, docID, now, now)
	if err != nil {
		t.Fatal(err)
	}
	sessionID, _ := res.LastInsertId()
	if _, err := conn.Exec(`INSERT INTO quiz_questions (session_id, question, options, correct_answer, chunk_id, created_at) VALUES (?, 'Q', '["a"]', 'a', 0, ?)`, sessionID, now); err != nil {
		t.Fatal(err)
	}

	if _, err := conn.Exec(`DELETE FROM documents WHERE id = ?`, docID); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"formulas", "quiz_sessions", "quiz_questions"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s still has %d rows after document delete", table, n)
		}
	}
}
