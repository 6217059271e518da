// Package llm wraps the Anthropic Messages API behind the one call shape
// the mapper handlers need: system + user prompt in, text + usage out, with
// bounded retry on model overload. The api key is supplied per call by the
// Budget Gate (BYOK tenants use their own key).
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/formscout/formscout/pkg/config"
)

// ErrOverloaded marks a transient model overload (429/5xx) that survived
// every retry attempt. The orchestrator promotes it to a session-level
// recovery.
var ErrOverloaded = errors.New("model overloaded")

// MessagesClient is the subset of the Anthropic SDK the caller uses.
// Satisfied by *sdk.MessageService; tests pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Request is one model invocation.
type Request struct {
	System string
	Prompt string
}

// Usage carries the observed token counts the Budget Gate records.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the model's text plus usage.
type Response struct {
	Text  string
	Usage Usage
}

// Caller issues Messages API calls with overload retry. One Caller serves
// all tenants; the per-tenant api key arrives with each call.
type Caller struct {
	cfg *config.ModelConfig

	// newMessages builds a Messages client for an api key. Overridden in
	// tests.
	newMessages func(apiKey string) MessagesClient
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCaller builds the production caller.
func NewCaller(cfg *config.ModelConfig) *Caller {
	return &Caller{
		cfg: cfg,
		newMessages: func(apiKey string) MessagesClient {
			client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
			return &client.Messages
		},
		sleep: sleepCtx,
	}
}

// Complete sends one request and returns the first text block. Overload
// responses are retried with exponential backoff and jitter up to the
// configured attempt count; exhaustion returns ErrOverloaded.
func (c *Caller) Complete(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	messages := c.newMessages(apiKey)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Name),
		MaxTokens: c.cfg.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	backoff := c.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		msg, err := messages.New(ctx, params)
		if err == nil {
			return translate(msg)
		}
		if !isOverloaded(err) {
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}
		wait := jittered(backoff, c.cfg.Jitter)
		slog.Warn("Model overloaded, backing off",
			"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		backoff = nextBackoff(backoff, c.cfg.BackoffMultiplier, c.cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrOverloaded, c.cfg.MaxAttempts, lastErr)
}

func translate(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("model returned nil message")
	}
	resp := &Response{
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Text += block.Text
		}
	}
	return resp, nil
}

// isOverloaded reports whether the error is a transient capacity condition
// worth retrying: 429 rate limits, 529 overloaded, or any 5xx.
func isOverloaded(err error) bool {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	// Range: [d*(1-jitter), d*(1+jitter)]
	span := float64(d) * jitter
	return time.Duration(float64(d) - span + rand.Float64()*2*span)
}

func nextBackoff(cur time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
