package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// SystemPrompt is the system message sent with every completion.
const SystemPrompt = "You are an educational AI assistant."

// Provider is a single text-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// ProviderError carries the status and machine-readable code a provider
// reported, so failures can be classified without knowing the SDK.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

var rateLimitCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"resource_exhausted":  true,
	"too_many_requests":   true,
}

// IsRateLimited reports whether err was caused by exceeding a provider's
// request or token quota: HTTP 429, a rate-limit error code, or a message
// mentioning a rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if rateLimitCodes[strings.ToLower(perr.Code)] {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
