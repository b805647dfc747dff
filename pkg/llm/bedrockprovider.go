package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// BedrockProvider calls a Claude model hosted on AWS Bedrock through
// InvokeModel, for deployments that route LLM traffic through AWS
// rather than Anthropic's own API.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

// BedrockConfig configures a BedrockProvider. Region and credentials
// come from the standard AWS SDK credential chain; Region overrides it
// when set.
type BedrockConfig struct {
	ModelID string
	Region  string
}

// NewBedrockProvider loads AWS config from the environment/shared
// config files and builds a bedrock-runtime client.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.ModelID == "" {
		return nil, apperrors.NewValidationError("bedrock provider model id is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to load aws config")
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	System           string                    `json:"system,omitempty"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
	Temperature      float64                   `json:"temperature,omitempty"`
}

type bedrockAnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockAnthropicResponse struct {
	Content []bedrockAnthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete invokes the Bedrock Anthropic Messages wire format: the
// request/response bodies are the provider-specific JSON envelope
// Bedrock expects for Claude models, distinct from Anthropic's own API.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	body := bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Temperature:      req.Temperature,
		Messages: []bedrockAnthropicMessage{
			{Role: "user", Content: req.UserPrompt},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal bedrock request")
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	var parsed bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode bedrock response")
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &CompletionResponse{
		Content: content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func classifyBedrockError(err error) error {
	var throttling *types.ThrottlingException
	if errors.As(err, &throttling) {
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimited, "bedrock request throttled")
	}
	var accessDenied *types.AccessDeniedException
	if errors.As(err, &accessDenied) {
		return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "bedrock access denied")
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "bedrock request validation failed")
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "bedrock request failed")
}
