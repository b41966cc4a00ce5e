package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"delver/engine/models"
)

// AnthropicProvider serves the primary model role through the Anthropic
// Messages API.
type AnthropicProvider struct {
	client  anthropic.Client
	model   string
	pricing Pricing
}

// AnthropicConfig configures the adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
}

// NewAnthropicProvider builds the adapter; BaseURL override supports
// proxies and test servers.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), model: cfg.Model, pricing: cfg.Pricing}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues one Messages call. The message list is composed in cache
// order: system block, prior turns, then the dynamic user prompt.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))
	params.Messages = msgs

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &Completion{
		Text:         text.String(),
		InputTokens:  in,
		OutputTokens: out,
		CachedTokens: int(msg.Usage.CacheReadInputTokens),
		CostUSD:      p.pricing.Cost(in, out),
		Model:        p.model,
	}, nil
}

// classifyAnthropicErr maps HTTP status onto the domain error kinds.
func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("anthropic: %w: %v", models.ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("anthropic: %w: %v", models.ErrTransient, err)
		default:
			return fmt.Errorf("anthropic: %w: %v", models.ErrPermanent, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: %w: %v", models.ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Connection-level failures are worth retrying.
	return fmt.Errorf("anthropic: %w: %v", models.ErrTransient, err)
}
