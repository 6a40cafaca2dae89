package llm

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidJSON is returned when a provider answers with something that
	// is not a JSON document.
	ErrInvalidJSON = errors.New("llm: invalid json from model")
	// ErrRefused is returned when the model declines to answer.
	ErrRefused = errors.New("llm: model refused")
)

// LLMClient asks a model for a single JSON document.
type LLMClient interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	Close() error
}

// RefusalError carries the model's refusal text.
type RefusalError struct {
	Provider string
	Reason   string
}

func (e *RefusalError) Error() string {
	if e.Reason == "" {
		return e.Provider + ": model refused"
	}
	return e.Provider + ": model refused: " + e.Reason
}

func (e *RefusalError) Unwrap() error { return ErrRefused }

// userContent renders the input the way every provider sends it.
func userContent(input any) string {
	if input == nil {
		return ""
	}
	in, _ := json.MarshalIndent(input, "", "  ")
	return "[INPUT JSON]\n" + string(in)
}

func checkJSON(raw string) (json.RawMessage, error) {
	if raw == "" || !json.Valid([]byte(raw)) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(raw), nil
}
