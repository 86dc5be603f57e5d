// Package llm provides the direct completion fallback used when agents are
// unreachable.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ashureev/simulab/internal/config"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("llm is not configured")
	// ErrMalformedJSON is returned when a completion cannot be read as JSON even
	// after repair.
	ErrMalformedJSON = errors.New("llm returned malformed JSON")
	// ErrEmptyCompletion is returned when the model produced no choices.
	ErrEmptyCompletion = errors.New("llm returned no choices")
)

// Completer produces structured completions.
type Completer interface {
	CompleteJSON(ctx context.Context, system, prompt string, out any) error
}

// Client wraps an OpenAI-compatible chat completion API.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client. It returns a usable client even without an API key;
// calls then fail with ErrNotConfigured so fallback chains can move on.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		model:   cfg.LLM.Model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.LLM.RatePerMinute)), max(cfg.LLM.Burst, 1)),
		timeout: cfg.Timeout.LLMCall,
		logger:  logger.With("component", "llm"),
	}
	if cfg.LLM.APIKey == "" {
		c.logger.Info("llm fallback disabled, no API key configured")
		return c
	}

	apiCfg := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")
	}
	c.api = openai.NewClientWithConfig(apiCfg)
	c.logger.Info("llm fallback enabled", "model", c.model)
	return c
}

// Enabled reports whether completions can be requested.
func (c *Client) Enabled() bool {
	return c != nil && c.api != nil
}

// CompleteJSON asks the model for a JSON object and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, system, prompt string, out any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm rate limit: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrEmptyCompletion
	}

	content := resp.Choices[0].Message.Content
	c.logger.Debug("llm completion received", "tokens", resp.Usage.TotalTokens, "length", len(content))
	return DecodeJSON(content, out)
}

// DecodeJSON reads model output as JSON, stripping code fences and repairing
// common defects such as trailing commas or unquoted keys.
func DecodeJSON(content string, out any) error {
	content = stripFences(content)
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ Completer = (*Client)(nil)
