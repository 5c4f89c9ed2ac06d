// Package reasoning provides the completion clients that back LLM agents.
//
// A Completer sends one prompt and returns the raw text answer. Clients
// never retry: rate limits, server errors and network failures come back
// wrapping reference.ErrAgentUnavailable so the orchestrator can apply its
// own retry policy, and everything else wraps reference.ErrAgentError.
package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderPattern   = "pattern"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-haiku-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 4096
	defaultTimeout          = 120 * time.Second
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// Prompt is a single completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer sends a prompt to a reasoning service.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// Config selects and configures a reasoning provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string `json:"-"`
	BaseURL  string
	Timeout  time.Duration

	// RateLimit is requests per second. Zero uses the default.
	RateLimit float64
	Burst     int
}

// Enabled reports whether a remote provider is configured.
func (c Config) Enabled() bool {
	p := strings.ToLower(c.Provider)
	return p != "" && p != ProviderPattern
}

// New creates the Completer for cfg.Provider. The pattern provider has no
// Completer; callers check Enabled first.
func New(cfg Config) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case "", ProviderPattern:
		return nil, fmt.Errorf("provider %q has no completer", cfg.Provider)
	default:
		return nil, fmt.Errorf("unsupported reasoning provider: %s", cfg.Provider)
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c Config) limits() (float64, int) {
	r, b := c.RateLimit, c.Burst
	if r <= 0 {
		r = defaultRateLimit
	}
	if b <= 0 {
		b = defaultBurst
	}
	return r, b
}

func maxTokens(p Prompt) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return defaultMaxTokens
}
