package services

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"study-ai/internal/apperr"
	"study-ai/internal/models"
)

func TestDocumentLifecycle(t *testing.T) {
	conn := openTestDB(t)
	dir := t.TempDir()
	svc := NewDocumentService(conn, dir, 1<<20)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", "../biology.txt", strings.NewReader("Cells are the unit of life."))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.OriginalName != "biology.txt" || doc.MimeType != "text/plain" || doc.PageCount != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if !strings.HasPrefix(doc.StoredPath, dir) {
		t.Fatalf("stored outside upload dir: %s", doc.StoredPath)
	}

	owner := models.Owner{DocumentID: doc.ID, UserID: "u1"}
	text, err := svc.ExtractedText(ctx, owner)
	if err != nil || text != "Cells are the unit of life." {
		t.Fatalf("ExtractedText = %q, %v", text, err)
	}

	if _, err := svc.Get(ctx, models.Owner{DocumentID: doc.ID, UserID: "u2"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("other user should not see the document, got %v", err)
	}

	docs, err := svc.List(ctx, "u1")
	if err != nil || len(docs) != 1 {
		t.Fatalf("List = %v, %v", docs, err)
	}
	if others, _ := svc.List(ctx, "u2"); len(others) != 0 {
		t.Fatalf("u2 should have no documents, got %d", len(others))
	}

	if err := svc.Delete(ctx, owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(doc.StoredPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stored file should be removed, stat err = %v", err)
	}
	if _, err := svc.ExtractedText(ctx, owner); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("deleted document should be gone, got %v", err)
	}
}

func TestDocumentCreateRejects(t *testing.T) {
	conn := openTestDB(t)
	dir := t.TempDir()
	svc := NewDocumentService(conn, dir, 16)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    string
		file    string
		content string
	}{
		{"missing user", "", "a.txt", "text"},
		{"unsupported type", "u1", "a.docx", "text"},
		{"too large", "u1", "a.txt", strings.Repeat("x", 17)},
		{"no text", "u1", "a.txt", "   \n"},
		{"no name", "u1", "", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.user, tt.file, strings.NewReader(tt.content))
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected uploads should not leave files behind, found %d", len(entries))
	}
}

func TestExtractTextInvalidPDF(t *testing.T) {
	path := t.TempDir() + "/broken.pdf"
	if err := os.WriteFile(path, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := extractText(path); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for a broken pdf, got %v", err)
	}
}
