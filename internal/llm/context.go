package llm

import (
	"context"
	"encoding/json"
)

type ctxKeyHook struct{}
type ctxKeyPhase struct{}
type ctxKeySchema struct{}

// CallHook observes every GenerateJSON call made under a context.
type CallHook interface {
	Before(ctx context.Context, phase, prompt string, input any)
	After(ctx context.Context, phase string, raw json.RawMessage, err error)
}

// Schema is a named JSON schema the answer must satisfy. Providers that
// support structured output enforce it strictly; others get it in the prompt.
type Schema struct {
	Name string
	JSON json.RawMessage
}

// WithHook attaches a CallHook for WithHooks to pick up.
func WithHook(ctx context.Context, hook CallHook) context.Context {
	return context.WithValue(ctx, ctxKeyHook{}, hook)
}

// HookFrom returns the hook stored in the context.
func HookFrom(ctx context.Context) CallHook {
	if h, ok := ctx.Value(ctxKeyHook{}).(CallHook); ok {
		return h
	}
	return nil
}

// WithPhase tags calls made under ctx, e.g. "generate" or "validate".
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase{}, phase)
}

// PhaseFrom returns the phase string stored in the context.
func PhaseFrom(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyPhase{}).(string); ok {
		return s
	}
	return "unknown"
}

func WithSchema(ctx context.Context, s Schema) context.Context {
	return context.WithValue(ctx, ctxKeySchema{}, s)
}

// SchemaFrom returns the schema for the call, if any.
func SchemaFrom(ctx context.Context) (Schema, bool) {
	s, ok := ctx.Value(ctxKeySchema{}).(Schema)
	return s, ok && len(s.JSON) > 0
}
