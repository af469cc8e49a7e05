// internal/llm/fallback.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// GenerationRequest is the provider-agnostic call shape used by the pipeline.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Attempt is the typed outcome of one provider try: Err == nil means success.
type Attempt struct {
	Provider string
	Text     string
	Err      error
	Duration time.Duration
}

// OK reports whether the attempt produced usable text.
func (a Attempt) OK() bool { return a.Err == nil }

// Generation is a successful result plus the attempts that led to it.
type Generation struct {
	Text         string
	Provider     string
	Attempts     []Attempt
	UsedFallback bool
}

// ErrEmptyCompletion marks a provider reply with no usable text.
var ErrEmptyCompletion = errors.New("provider returned empty completion")

// FallbackClient tries an ordered list of providers, each exactly once.
type FallbackClient struct {
	providers []Provider
	logger    *utils.Logger
	onAttempt func(Attempt)
}

// NewFallbackClient creates a client trying providers in the given order.
// Nil entries are skipped.
func NewFallbackClient(logger *utils.Logger, providers ...Provider) *FallbackClient {
	chain := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			chain = append(chain, p)
		}
	}
	return &FallbackClient{providers: chain, logger: logger}
}

// OnAttempt registers a hook called after every provider try.
func (c *FallbackClient) OnAttempt(fn func(Attempt)) {
	c.onAttempt = fn
}

// Providers returns the names of the chain in order.
func (c *FallbackClient) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.GetName()
	}
	return names
}

// Generate runs req against each provider in order until one returns text.
// A cancelled context aborts immediately with ctx.Err().
func (c *FallbackClient) Generate(ctx context.Context, req GenerationRequest) (*Generation, error) {
	if len(c.providers) == 0 {
		return nil, apperrors.NewProviderUnavailableError("no generation providers configured", nil)
	}

	attempts := make([]Attempt, 0, len(c.providers))
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt := c.try(ctx, p, req)
		attempts = append(attempts, attempt)
		if c.onAttempt != nil {
			c.onAttempt(attempt)
		}

		if attempt.OK() {
			return &Generation{
				Text:         attempt.Text,
				Provider:     attempt.Provider,
				Attempts:     attempts,
				UsedFallback: i > 0,
			}, nil
		}

		// 调用方取消时不再尝试下一个提供者
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		c.logger.Warn("generation provider failed", map[string]interface{}{
			"provider":    attempt.Provider,
			"error":       attempt.Err,
			"duration_ms": attempt.Duration.Milliseconds(),
			"remaining":   len(c.providers) - i - 1,
		})
	}

	return nil, apperrors.NewProviderUnavailableError(
		fmt.Sprintf("all %d generation providers failed", len(attempts)),
		joinAttemptErrors(attempts),
	)
}

func (c *FallbackClient) try(ctx context.Context, p Provider, req GenerationRequest) Attempt {
	start := time.Now()
	attempt := Attempt{Provider: p.GetName()}

	resp, err := p.CompleteText(ctx, CompletionRequest{
		Prompt:       req.UserPrompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  float32(req.Temperature),
		JSONOutput:   true,
	})
	attempt.Duration = time.Since(start)

	switch {
	case err != nil:
		attempt.Err = err
	case resp == nil || strings.TrimSpace(resp.Text) == "":
		attempt.Err = ErrEmptyCompletion
	default:
		attempt.Text = resp.Text
	}
	return attempt
}

func joinAttemptErrors(attempts []Attempt) error {
	errs := make([]error, 0, len(attempts))
	for _, a := range attempts {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Provider, a.Err))
		}
	}
	return errors.Join(errs...)
}
