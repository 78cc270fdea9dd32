package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// messageService abstracts the Anthropic messages call for testing.
type messageService interface {
	Create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type anthropicMessages struct {
	client *anthropic.Client
}

func (m anthropicMessages) Create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.client.Messages.New(ctx, params)
}

// AnthropicAdapter calls the Anthropic messages API.
type AnthropicAdapter struct {
	messages messageService
}

// NewAnthropicAdapter creates an Anthropic adapter with the given API key.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{messages: anthropicMessages{client: client}}, nil
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Complete sends a completion request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	messages := make([]anthropic.MessageParam, len(req.Messages))
	for i, msg := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if msg.Role == models.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages[i] = anthropic.MessageParam{
			Role: anthropic.F(role),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Body),
				},
			}),
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(req.Model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.System),
		}})
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.F(req.Temperature)
	}

	resp, err := a.messages.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}
	if content == "" {
		return nil, ErrEmptyCompletion
	}

	latency := time.Since(start).Milliseconds()
	slog.Debug("provider.AnthropicAdapter: completion succeeded", "model", resp.Model, "latencyMs", latency)
	return &Response{
		Content:   content,
		Model:     string(resp.Model),
		LatencyMs: latency,
	}, nil
}
