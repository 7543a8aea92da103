package services

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"study-ai/internal/apperr"
)

// extractText pulls plain text out of a stored upload. PDFs go through the
// pdf reader; plain text formats are read as-is.
func extractText(path string) (text string, pages int, mimeType string, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, pages, err = readPDFText(path)
		return text, pages, "application/pdf", err
	case ".txt", ".md", ".markdown":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", 0, "", fmt.Errorf("read text file: %w", err)
		}
		if !utf8.Valid(raw) {
			raw = bytes.ToValidUTF8(raw, []byte("�"))
		}
		return string(raw), 1, "text/plain", nil
	default:
		return "", 0, "", fmt.Errorf("%w: unsupported file type %q", apperr.ErrInvalidInput, filepath.Ext(path))
	}
}

func readPDFText(path string) (string, int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open pdf: %v", apperr.ErrInvalidInput, err)
	}
	defer f.Close()

	pages := r.NumPage()
	if pages == 0 {
		return "", 0, fmt.Errorf("%w: pdf has no pages", apperr.ErrInvalidInput)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", 0, fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", 0, fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), pages, nil
}
