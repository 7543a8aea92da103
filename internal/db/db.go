package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open connects to the SQLite database and runs schema migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers; SQLite allows only one anyway.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			stored_path TEXT NOT NULL UNIQUE,
			mime_type TEXT NOT NULL DEFAULT '',
			page_count INTEGER NOT NULL DEFAULT 0,
			extracted_text TEXT NOT NULL DEFAULT '',
			uploaded_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS flashcards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			front TEXT NOT NULL,
			back TEXT NOT NULL,
			due DATETIME,
			stability REAL NOT NULL DEFAULT 0,
			difficulty REAL NOT NULL DEFAULT 0,
			elapsed_days INTEGER NOT NULL DEFAULT 0,
			scheduled_days INTEGER NOT NULL DEFAULT 0,
			reps INTEGER NOT NULL DEFAULT 0,
			lapses INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 0,
			last_review DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS review_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			card_id INTEGER NOT NULL,
			rating INTEGER NOT NULL,
			scheduled_days INTEGER NOT NULL,
			elapsed_days INTEGER NOT NULL,
			state INTEGER NOT NULL,
			reviewed_at DATETIME NOT NULL,
			FOREIGN KEY(card_id) REFERENCES flashcards(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS formulas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			formula TEXT NOT NULL,
			explanation TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS quiz_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			used_chunk_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(document_id, user_id),
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS quiz_questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			question TEXT NOT NULL,
			options TEXT NOT NULL,
			correct_answer TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(session_id) REFERENCES quiz_sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS quiz_submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			question_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			selected_answer TEXT NOT NULL,
			submitted_at DATETIME NOT NULL,
			FOREIGN KEY(session_id) REFERENCES quiz_sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_owner ON flashcards(document_id, user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_due ON flashcards(user_id, due);`,
		`CREATE INDEX IF NOT EXISTS idx_formulas_owner ON formulas(document_id, user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_owner ON notes(document_id, user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_session ON quiz_questions(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_session ON quiz_submissions(session_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return nil
}
