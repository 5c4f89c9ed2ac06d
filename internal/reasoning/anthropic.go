package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const anthropicVersion = "2023-06-01"

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Anthropic is a Completer backed by the Anthropic Messages API.
type Anthropic struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	r, burst := cfg.limits()

	return &Anthropic{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: cfg.timeout(),
		},
		limiter: rate.NewLimiter(rate.Limit(r), burst),
	}, nil
}

// Complete sends p and returns the first text block of the answer.
func (a *Anthropic) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	jsonData, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   maxTokens(p),
		Temperature: p.Temperature,
		System:      p.System,
		Messages:    []anthropicMessage{{Role: "user", Content: p.User}},
	})
	if err != nil {
		return "", reference.Failed(ProviderAnthropic, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", reference.Failed(ProviderAnthropic, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", reference.Unavailable(ProviderAnthropic, fmt.Errorf("API request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", reference.Unavailable(ProviderAnthropic, fmt.Errorf("failed to read response: %w", err))
	}

	if err := classifyStatus(ProviderAnthropic, resp, body, func(b []byte) string {
		var e anthropicError
		if json.Unmarshal(b, &e) == nil {
			return e.Error.Message
		}
		return ""
	}); err != nil {
		return "", err
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", reference.Failed(ProviderAnthropic, fmt.Errorf("failed to parse response: %w", err))
	}
	for _, c := range out.Content {
		if c.Type == "text" || c.Type == "" {
			return c.Text, nil
		}
	}
	return "", reference.Failed(ProviderAnthropic, errors.New("empty response from API"))
}

// classifyStatus maps an HTTP status to the agent error taxonomy.
func classifyStatus(provider string, resp *http.Response, body []byte, message func([]byte) string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg := message(body)
	if msg == "" {
		msg = string(body)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return reference.Unavailable(provider, &reference.RateLimitError{
			Provider:   provider,
			RetryAfter: reference.ParseRetryAfter(resp.Header.Get("Retry-After")),
		})
	case resp.StatusCode >= 500:
		return reference.Unavailable(provider, fmt.Errorf("server error (%d): %s", resp.StatusCode, msg))
	default:
		return reference.Failed(provider, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg))
	}
}

var _ Completer = (*Anthropic)(nil)
