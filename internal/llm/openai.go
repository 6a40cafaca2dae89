package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-2024-08-06"

// OpenAIClient talks to the Chat Completions API. When the context carries
// a Schema the request uses strict json_schema output; otherwise it asks for
// a json_object.
type OpenAIClient struct {
	cli      *openai.Client
	model    string
	provider string
	// strict is false for OpenAI-compatible servers without json_schema.
	strict bool
}

// NewOpenAIClient creates a client. baseURL may be empty.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{cli: openai.NewClientWithConfig(cfg), model: model, provider: "OpenAI", strict: true}, nil
}

func (c *OpenAIClient) Name() string { return c.provider + ":" + c.model }
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
	if uc := userContent(input); uc != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: uc})
	}
	if s, ok := SchemaFrom(ctx); ok {
		if c.strict {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   s.Name,
					Schema: s.JSON,
					Strict: true,
				},
			}
		} else {
			req.Messages[0].Content = prompt + "\n\n[OUTPUT JSON SCHEMA]\n" + string(s.JSON)
		}
	}

	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%s: status %d: %s", c.provider, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrInvalidJSON
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, &RefusalError{Provider: c.provider, Reason: choice.Message.Refusal}
	}
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, &RefusalError{Provider: c.provider, Reason: "content filter"}
	}
	return checkJSON(strings.TrimSpace(choice.Message.Content))
}
