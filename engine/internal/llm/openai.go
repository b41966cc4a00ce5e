package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"delver/engine/models"
)

// OpenAIProvider serves the fallback and budget model roles through any
// OpenAI-compatible chat completion endpoint (hosted or local).
type OpenAIProvider struct {
	client  *openai.Client
	name    string
	model   string
	pricing Pricing
}

// OpenAIConfig configures the adapter. Name distinguishes the fallback and
// budget instances in usage attribution.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
}

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	transport := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		transport.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(transport), name: name, model: cfg.Model, pricing: cfg.Pricing}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete issues one chat completion, composing messages in cache order.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices: %w", p.name, models.ErrTransient)
	}
	in := resp.Usage.PromptTokens
	out := resp.Usage.CompletionTokens
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      p.pricing.Cost(in, out),
		Model:        p.model,
	}, nil
}

func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%s: %w: %v", p.name, models.ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%s: %w: %v", p.name, models.ErrTransient, err)
		default:
			return fmt.Errorf("%s: %w: %v", p.name, models.ErrPermanent, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", p.name, models.ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", p.name, models.ErrTransient, err)
}
