package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// OpenAI is a Completer backed by any OpenAI-compatible chat endpoint.
type OpenAI struct {
	llm     llms.Model
	limiter *rate.Limiter
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	r, burst := cfg.limits()
	return &OpenAI{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
	}, nil
}

// Complete sends p as a system and a user message.
func (o *OpenAI) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	var messages []llms.MessageContent
	if p.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: p.System}},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: p.User}},
	})

	resp, err := o.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(p.Temperature),
		llms.WithMaxTokens(maxTokens(p)),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", classifyOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", reference.Failed(ProviderOpenAI, errors.New("empty response from API"))
	}
	return resp.Choices[0].Content, nil
}

var statusPattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

// classifyOpenAIError maps client errors by the HTTP status embedded in the
// message. Errors without a status are transport failures.
func classifyOpenAIError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return reference.Unavailable(ProviderOpenAI, err)
	}

	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return reference.Unavailable(ProviderOpenAI, err)
	}
	code, _ := strconv.Atoi(m[1])
	switch {
	case code == 429:
		return reference.Unavailable(ProviderOpenAI, &reference.RateLimitError{Provider: ProviderOpenAI})
	case code >= 500:
		return reference.Unavailable(ProviderOpenAI, err)
	default:
		return reference.Failed(ProviderOpenAI, err)
	}
}

var _ Completer = (*OpenAI)(nil)
