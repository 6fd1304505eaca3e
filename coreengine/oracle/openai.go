package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ProviderOpenAI is the provider label used in errors and metrics.
const ProviderOpenAI = "openai"

// ResponseFormat selects how structured output is requested from the provider.
type ResponseFormat string

const (
	// ResponseFormatJSONSchema sends the schema as a strict json_schema response format.
	ResponseFormatJSONSchema ResponseFormat = "json_schema"
	// ResponseFormatJSONObject asks only for a JSON object; the schema travels in the prompt.
	ResponseFormatJSONObject ResponseFormat = "json_object"
	// ResponseFormatText requests free text; Decode still extracts the object.
	ResponseFormatText ResponseFormat = "text"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Organization   string
	ResponseFormat ResponseFormat
	HTTPClient     *http.Client
}

// OpenAIClient is an Oracle backed by the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	format ResponseFormat
}

// NewOpenAIClient builds a client for one credential.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Organization != "" {
		c.OrgID = cfg.Organization
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	format := cfg.ResponseFormat
	if format == "" {
		format = ResponseFormatJSONSchema
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(c), format: format}, nil
}

// Generate implements Oracle.
func (o *OpenAIClient) Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(prompt, schema, o.format),
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if schema.Name != "" {
		switch o.format {
		case ResponseFormatJSONSchema:
			def := schema.Definition
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:        schema.Name,
					Description: schema.Description,
					Schema:      &def,
					Strict:      true,
				},
			}
		case ResponseFormatJSONObject:
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// toChatMessages converts the prompt; without native schema support the
// format instructions are appended to the system message.
func toChatMessages(prompt Prompt, schema Schema, format ResponseFormat) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(prompt.Messages))
	appended := format == ResponseFormatJSONSchema || schema.Name == ""
	for _, m := range prompt.Messages {
		content := m.Content
		if !appended && m.Role == RoleSystem {
			content = content + "\n\n" + schema.FormatInstructions()
			appended = true
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: chatRole(m.Role), Content: content})
	}
	if !appended {
		msgs = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: schema.FormatInstructions(),
		}}, msgs...)
	}
	return msgs
}

func chatRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Provider: ProviderOpenAI, Cause: err}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &CallError{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Cause:      err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &CallError{
			Provider:   ProviderOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Retryable:  retryableStatus(reqErr.HTTPStatusCode),
			Cause:      err,
		}
	}
	// Transport failures (connection refused, reset) are worth retrying.
	return &CallError{Provider: ProviderOpenAI, Retryable: true, Cause: fmt.Errorf("transport: %w", err)}
}
