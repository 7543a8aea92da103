package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"study-ai/internal/apperr"
	"study-ai/internal/models"
)

// TextSource yields the extracted text of a document owned by a user.
type TextSource interface {
	ExtractedText(ctx context.Context, owner models.Owner) (string, error)
}

type DocumentService struct {
	db        *sql.DB
	uploadDir string
	maxBytes  int64
}

func NewDocumentService(db *sql.DB, uploadDir string, maxBytes int64) *DocumentService {
	return &DocumentService{db: db, uploadDir: uploadDir, maxBytes: maxBytes}
}

// Create stores the upload under a random name, extracts its text and
// records it for userID.
func (s *DocumentService) Create(ctx context.Context, userID, original string, src io.Reader) (*models.Document, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", apperr.ErrInvalidInput)
	}
	original = filepath.Base(strings.TrimSpace(original))
	if original == "" || original == "." {
		return nil, fmt.Errorf("%w: file name required", apperr.ErrInvalidInput)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	storedPath := filepath.Join(s.uploadDir, name)
	if err := s.save(storedPath, src); err != nil {
		_ = os.Remove(storedPath)
		return nil, err
	}

	text, pages, mimeType, err := extractText(storedPath)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("%w: document contains no extractable text", apperr.ErrInvalidInput)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (user_id, original_name, stored_path, mime_type, page_count, extracted_text, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, userID, original, storedPath, mimeType, pages, text, now)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("document id: %w", err)
	}

	return &models.Document{
		ID:            id,
		UserID:        userID,
		OriginalName:  original,
		StoredPath:    storedPath,
		MimeType:      mimeType,
		PageCount:     pages,
		ExtractedText: text,
		UploadedAt:    now,
	}, nil
}

func (s *DocumentService) save(path string, src io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", apperr.ErrInvalidInput, s.maxBytes)
	}
	return nil
}

// Get returns the document when it belongs to the owner's user.
func (s *DocumentService) Get(ctx context.Context, owner models.Owner) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, original_name, stored_path, mime_type, page_count, extracted_text, uploaded_at
		FROM documents WHERE id = ? AND user_id = ?;
	`, owner.DocumentID, owner.UserID)
	var doc models.Document
	if err := row.Scan(
		&doc.ID,
		&doc.UserID,
		&doc.OriginalName,
		&doc.StoredPath,
		&doc.MimeType,
		&doc.PageCount,
		&doc.ExtractedText,
		&doc.UploadedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: document %d", apperr.ErrNotFound, owner.DocumentID)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// List returns the user's documents, newest first, without their text.
func (s *DocumentService) List(ctx context.Context, userID string) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, original_name, stored_path, mime_type, page_count, uploaded_at
		FROM documents WHERE user_id = ?
		ORDER BY uploaded_at DESC, id DESC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.UserID, &doc.OriginalName, &doc.StoredPath, &doc.MimeType, &doc.PageCount, &doc.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Delete removes the document row, which cascades to every artifact and
// quiz session, then the stored file.
func (s *DocumentService) Delete(ctx context.Context, owner models.Owner) error {
	doc, err := s.Get(ctx, owner)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?;`, doc.ID, doc.UserID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := os.Remove(doc.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *DocumentService) ExtractedText(ctx context.Context, owner models.Owner) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT extracted_text FROM documents WHERE id = ? AND user_id = ?;
	`, owner.DocumentID, owner.UserID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: document %d", apperr.ErrNotFound, owner.DocumentID)
	}
	if err != nil {
		return "", fmt.Errorf("load document text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: document %d has no extracted text", apperr.ErrNotFound, owner.DocumentID)
	}
	return text, nil
}
