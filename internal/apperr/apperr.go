package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidInput marks malformed parameters rejected before any external call.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a document, session or question that does not exist for the owner.
	ErrNotFound = errors.New("not found")
	// ErrGenerationFailed marks a provider failure the caller should retry later.
	ErrGenerationFailed = errors.New("generation failed")
)

// Status maps an error chain onto the HTTP status the API reports for it.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
