package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// HTTPProvider talks to any chat-completions-compatible HTTP endpoint
// (LocalAI, vLLM, and similar self-hosted servers that mirror OpenAI's
// wire format).
type HTTPProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// NewHTTPProvider builds a provider against cfg.Endpoint. Endpoint and
// Model are required; APIKey is optional for local servers that don't
// enforce auth.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, apperrors.NewValidationError("http provider endpoint is required")
	}
	if cfg.Model == "" {
		return nil, apperrors.NewValidationError("http provider model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Name() string { return "http" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// Complete issues a POST /v1/chat/completions call and returns the
// first choice's content verbatim; stage-specific parsing of that
// content happens one layer up.
func (p *HTTPProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Stream:      false,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to read chat response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(resp.StatusCode, resp.Header.Get("Retry-After"), string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode chat response")
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.NewValidationError("chat response contained no choices")
	}

	return &CompletionResponse{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func classifyTransportError(err error) error {
	return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "chat completion request failed")
}

func classifyStatusError(status int, retryAfter, body string) error {
	msg := fmt.Sprintf("chat completion returned status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		e := apperrors.NewRateLimitedError(msg)
		if retryAfter != "" {
			return e.WithRetryAfter(retryAfter).WithDetails(body)
		}
		return e.WithDetails(body)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthError(msg).WithDetails(body)
	case status >= 500:
		return apperrors.Newf(apperrors.ErrorTypeServerError, "%s", msg).WithDetails(body)
	default:
		return apperrors.NewValidationError(msg).WithDetails(body)
	}
}
