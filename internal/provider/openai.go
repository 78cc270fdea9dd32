package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// chatService abstracts the chat completion call for testing.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type openaiChat struct {
	client openai.Client
}

func (c openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// OpenAIAdapter calls the OpenAI chat completion API.
type OpenAIAdapter struct {
	chat chatService
}

// NewOpenAIAdapter creates an OpenAI adapter with the given API key.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIAdapter{chat: openaiChat{client: client}}, nil
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Complete sends a completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Body))
		default:
			messages = append(messages, openai.UserMessage(msg.Body))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := a.chat.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyCompletion
	}

	latency := time.Since(start).Milliseconds()
	slog.Debug("provider.OpenAIAdapter: completion succeeded", "model", resp.Model, "latencyMs", latency)
	return &Response{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		LatencyMs: latency,
	}, nil
}
