package llm

import (
	"context"
	"encoding/json"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
)

const stage1SystemPrompt = `You are a Korean language linguist. Given a single Korean term, produce a ` +
	`structured nuance analysis as a single JSON object with keys: term, ipa, part_of_speech, ` +
	`primary_meaning, secondary_meanings, metaphor, anchor, comparison, homonyms, keywords. ` +
	`Respond with JSON only.`

const stage2SystemPrompt = `You are a flashcard author. Given a structured Korean nuance analysis, ` +
	`produce one or more Anki flashcard rows as a JSON object with a single key "rows", each row ` +
	`having: position, term, term_number, tab_name, primer, front, back, tags, honorific_level. ` +
	`Respond with JSON only.`

// Client drives the two pipeline stages against a single selected
// Provider. It owns prompt assembly, JSON extraction, and artifact
// decoding; retry, rate limiting, breaker and caching are composed
// around it by the engine.
type Client struct {
	provider Provider
}

// NewClient wraps provider in the stage1/stage2 protocol.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// Name returns the underlying provider's name.
func (c *Client) Name() string { return c.provider.Name() }

// Stage1 runs the nuance-creator call for one term and decodes the
// result into a Stage1Artifact.
func (c *Client) Stage1(ctx context.Context, term, normalizedType string, maxTokens int) (*flashcard.Stage1Artifact, Usage, error) {
	prompt := "Term: " + term
	if normalizedType != "" {
		prompt += "\nType hint: " + normalizedType
	}

	resp, err := c.provider.Complete(ctx, CompletionRequest{
		SystemPrompt: stage1SystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    maxTokens,
		Temperature:  0.3,
	})
	if err != nil {
		return nil, Usage{}, err
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, resp.Usage, err
	}

	var artifact flashcard.Stage1Artifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return nil, resp.Usage, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode stage 1 artifact")
	}
	return &artifact, resp.Usage, nil
}

// stage2Payload matches the wrapper object the card-generator model
// returns: a single "rows" key holding the flashcard rows.
type stage2Payload struct {
	Rows []flashcard.Stage2Row `json:"rows"`
}

// Stage2 runs the card-generator call from a Stage1Artifact and
// decodes the result into a Stage2Artifact.
func (c *Client) Stage2(ctx context.Context, position int, artifact *flashcard.Stage1Artifact, maxTokens int) (*flashcard.Stage2Artifact, Usage, error) {
	body, err := json.Marshal(artifact)
	if err != nil {
		return nil, Usage{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal stage 1 artifact")
	}

	resp, err := c.provider.Complete(ctx, CompletionRequest{
		SystemPrompt: stage2SystemPrompt,
		UserPrompt:   string(body),
		MaxTokens:    maxTokens,
		Temperature:  0.3,
	})
	if err != nil {
		return nil, Usage{}, err
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, resp.Usage, err
	}

	var payload stage2Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, resp.Usage, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode stage 2 artifact")
	}
	for i := range payload.Rows {
		payload.Rows[i].Position = position
	}
	return &flashcard.Stage2Artifact{Rows: payload.Rows}, resp.Usage, nil
}
