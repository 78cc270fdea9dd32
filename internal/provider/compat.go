package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// compatChatService abstracts the compat chat completion call for testing.
type compatChatService interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// CompatAdapter calls any OpenAI-compatible endpoint (DeepSeek, Groq,
// OpenRouter and similar) through its base URL.
type CompatAdapter struct {
	name string
	chat compatChatService
}

// NewCompatAdapter creates an adapter for an OpenAI-compatible endpoint.
// The name must match the descriptor name used for routing.
func NewCompatAdapter(name, apiKey, baseURL string) (*CompatAdapter, error) {
	if name == "" {
		return nil, errors.New("compat provider name is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for provider %s", name)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required for provider %s", name)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &CompatAdapter{name: name, chat: goopenai.NewClientWithConfig(cfg)}, nil
}

// Name returns the provider name.
func (a *CompatAdapter) Name() string {
	return a.name
}

// Complete sends a completion request.
func (a *CompatAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: msg.Body})
	}

	resp, err := a.chat.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", a.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyCompletion
	}

	latency := time.Since(start).Milliseconds()
	slog.Debug("provider.CompatAdapter: completion succeeded",
		"provider", a.name, "model", resp.Model, "latencyMs", latency)
	return &Response{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		LatencyMs: latency,
	}, nil
}
