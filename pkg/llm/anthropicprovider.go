package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// AnthropicProvider calls the Messages API directly through Anthropic's
// own SDK, for deployments that use Claude models rather than a
// self-hosted endpoint.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// NewAnthropicProvider builds a provider bound to one model.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.NewValidationError("anthropic provider api key is required")
	}
	if cfg.Model == "" {
		return nil, apperrors.NewValidationError("anthropic provider model is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &AnthropicProvider{client: &client, model: cfg.Model}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues one Messages.New call and concatenates the text
// content blocks of the response.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var content string
	for _, block := range message.Content {
		if text := block.Text; text != "" {
			content += text
		}
	}

	return &CompletionResponse{
		Content: content,
		Usage: Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return apperrors.Wrap(err, apperrors.ErrorTypeRateLimited, "anthropic rate limit exceeded")
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "anthropic authentication failed")
		case apiErr.StatusCode >= 500:
			return apperrors.Wrap(err, apperrors.ErrorTypeServerError, "anthropic server error")
		}
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "anthropic request failed")
}
