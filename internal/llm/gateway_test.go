package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"study-ai/internal/apperr"
)

type fakeProvider struct {
	name  string
	out   string
	err   error
	calls int
	delay time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.out, f.err
}

func TestGatewayPrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "groq", out: "primary answer"}
	secondary := &fakeProvider{name: "openrouter", out: "secondary answer"}
	g := NewGateway(primary, nil, WithSecondary(secondary))

	out, err := g.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "primary answer" {
		t.Fatalf("got %q, want primary answer", out)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary called %d times on primary success", secondary.calls)
	}
}

func TestGatewayFallbackGating(t *testing.T) {
	tests := []struct {
		name          string
		primaryErr    error
		wantSecondary int
	}{
		{"http 429", &ProviderError{Provider: "groq", StatusCode: http.StatusTooManyRequests}, 1},
		{"rate limit code", &ProviderError{Provider: "groq", StatusCode: 400, Code: "rate_limit_exceeded"}, 1},
		{"rate limit message", errors.New("Rate limit reached for model"), 1},
		{"gemini exhausted", &ProviderError{Provider: "gemini", Code: "resource_exhausted"}, 1},
		{"auth failure", &ProviderError{Provider: "groq", StatusCode: http.StatusUnauthorized, Code: "invalid_api_key"}, 0},
		{"bad request", &ProviderError{Provider: "groq", StatusCode: http.StatusBadRequest}, 0},
		{"server error", &ProviderError{Provider: "groq", StatusCode: http.StatusInternalServerError}, 0},
		{"plain error", errors.New("connection reset"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeProvider{name: "groq", err: tt.primaryErr}
			secondary := &fakeProvider{name: "openrouter", out: "fallback answer"}
			g := NewGateway(primary, nil, WithSecondary(secondary))

			out, err := g.Complete(context.Background(), "prompt")
			if secondary.calls != tt.wantSecondary {
				t.Fatalf("secondary calls = %d, want %d", secondary.calls, tt.wantSecondary)
			}
			if primary.calls != 1 {
				t.Fatalf("primary calls = %d, want 1", primary.calls)
			}
			if tt.wantSecondary == 1 {
				if err != nil || out != "fallback answer" {
					t.Fatalf("got (%q, %v), want fallback answer", out, err)
				}
				return
			}
			if !errors.Is(err, apperr.ErrGenerationFailed) {
				t.Fatalf("err = %v, want ErrGenerationFailed", err)
			}
		})
	}
}

func TestGatewaySecondaryFailure(t *testing.T) {
	primary := &fakeProvider{name: "groq", err: &ProviderError{Provider: "groq", StatusCode: 429}}
	secondary := &fakeProvider{name: "openrouter", err: &ProviderError{Provider: "openrouter", StatusCode: 429}}
	g := NewGateway(primary, nil, WithSecondary(secondary))

	_, err := g.Complete(context.Background(), "prompt")
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if secondary.calls != 1 {
		t.Fatalf("secondary calls = %d, want exactly 1", secondary.calls)
	}
}

func TestGatewayRateLimitWithoutSecondary(t *testing.T) {
	primary := &fakeProvider{name: "groq", err: &ProviderError{Provider: "groq", StatusCode: 429}}
	g := NewGateway(primary, nil)

	_, err := g.Complete(context.Background(), "prompt")
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
}

func TestGatewayAttemptTimeout(t *testing.T) {
	primary := &fakeProvider{name: "groq", out: "late", delay: time.Second}
	g := NewGateway(primary, nil, WithTimeouts(20*time.Millisecond, 0))

	_, err := g.Complete(context.Background(), "prompt")
	if !errors.Is(err, apperr.ErrGenerationFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want generation failure caused by deadline", err)
	}
}

func TestIsRateLimited(t *testing.T) {
	wrapped := fmt.Errorf("call: %w", &ProviderError{Provider: "x", StatusCode: 429})
	if !IsRateLimited(wrapped) {
		t.Error("wrapped 429 should be rate limited")
	}
	if IsRateLimited(nil) {
		t.Error("nil error is not rate limited")
	}
	if IsRateLimited(&ProviderError{Provider: "x", StatusCode: 503}) {
		t.Error("503 is not rate limited")
	}
}
