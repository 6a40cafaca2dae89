package llm

import "fmt"

const (
	groqBaseURL      = "https://api.groq.com/openai/v1"
	DefaultGroqModel = "llama-3.3-70b-versatile"
)

// NewGroqClient returns a client for Groq's OpenAI-compatible endpoint.
// Groq has no strict json_schema mode, so schemas travel in the prompt.
func NewGroqClient(apiKey, model string) (*OpenAIClient, error) {
	if model == "" {
		model = DefaultGroqModel
	}
	c, err := NewOpenAIClient(apiKey, model, groqBaseURL)
	if err != nil {
		return nil, fmt.Errorf("groq: %w", err)
	}
	c.provider = "Groq"
	c.strict = false
	return c, nil
}
