package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study-ai/internal/apperr"
	"study-ai/internal/logger"
)

const defaultAttemptTimeout = 60 * time.Second

// Completer is what generators depend on; Gateway is the production one.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Gateway tries the primary provider and falls back to the secondary once,
// and only when the primary failure was a rate limit.
type Gateway struct {
	primary          Provider
	secondary        Provider
	primaryTimeout   time.Duration
	secondaryTimeout time.Duration
	log              *logger.Logger
}

type GatewayOption func(*Gateway)

// WithSecondary installs the fallback provider used on primary rate limits.
func WithSecondary(p Provider) GatewayOption {
	return func(g *Gateway) { g.secondary = p }
}

func WithTimeouts(primary, secondary time.Duration) GatewayOption {
	return func(g *Gateway) {
		if primary > 0 {
			g.primaryTimeout = primary
		}
		if secondary > 0 {
			g.secondaryTimeout = secondary
		}
	}
}

func NewGateway(primary Provider, log *logger.Logger, opts ...GatewayOption) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	g := &Gateway{
		primary:          primary,
		primaryTimeout:   defaultAttemptTimeout,
		secondaryTimeout: defaultAttemptTimeout,
		log:              log.With("component", "AIGateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete returns the raw model output for prompt. Every failure is
// reported wrapped in apperr.ErrGenerationFailed.
func (g *Gateway) Complete(ctx context.Context, prompt string) (string, error) {
	if g.primary == nil {
		return "", fmt.Errorf("%w: no primary provider configured", apperr.ErrGenerationFailed)
	}

	out, err := g.attempt(ctx, g.primary, g.primaryTimeout, prompt)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.Canceled) || !IsRateLimited(err) {
		return "", fmt.Errorf("%w: %w", apperr.ErrGenerationFailed, err)
	}
	if g.secondary == nil {
		g.log.Warn("primary provider rate limited and no fallback configured", "provider", g.primary.Name())
		return "", fmt.Errorf("%w: %w", apperr.ErrGenerationFailed, err)
	}

	g.log.Warn("primary provider rate limited, using fallback",
		"primary", g.primary.Name(),
		"secondary", g.secondary.Name(),
		"error", err,
	)
	out, err = g.attempt(ctx, g.secondary, g.secondaryTimeout, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: fallback %w", apperr.ErrGenerationFailed, err)
	}
	return out, nil
}

func (g *Gateway) attempt(ctx context.Context, p Provider, timeout time.Duration, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := p.Complete(ctx, prompt)
	if err != nil {
		g.log.Debug("provider call failed", "provider", p.Name(), "elapsed", time.Since(start), "error", err)
		return "", err
	}
	g.log.Debug("provider call succeeded", "provider", p.Name(), "elapsed", time.Since(start), "bytes", len(out))
	return out, nil
}
