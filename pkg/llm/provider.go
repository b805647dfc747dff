// Package llm provides the LLM client used by both pipeline stages: a
// Provider abstraction over the wire protocol, plus the JSON-extraction
// and artifact-decoding logic shared by every backend.
package llm

import (
	"context"
)

// Usage reports the token accounting for one completion call, used to
// reconcile the rate limiter's estimate against actual consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a provider-agnostic chat completion call.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// CompletionResponse is a provider-agnostic chat completion result.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the capability every LLM backend implements. Exactly one
// Provider is selected per run from configuration; the pipeline never
// arbitrates between models at runtime.
type Provider interface {
	// Complete issues one chat completion call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name identifies the provider (e.g. "anthropic").
	Name() string
}
