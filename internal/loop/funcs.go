package loop

import (
	"context"

	"codeloop/internal/project"
)

// GenerateFunc adapts a function to Generator.
type GenerateFunc func(ctx context.Context, task project.Task) (project.State, error)

func (f GenerateFunc) Generate(ctx context.Context, task project.Task) (project.State, error) {
	return f(ctx, task)
}

// ExecuteFunc adapts a function to Executor.
type ExecuteFunc func(ctx context.Context, state project.State) (project.ExecutionResult, error)

func (f ExecuteFunc) Execute(ctx context.Context, state project.State) (project.ExecutionResult, error) {
	return f(ctx, state)
}

// ValidateFunc adapts a function to Validator.
type ValidateFunc func(ctx context.Context, state project.State, output, testConditions string) (project.Verdict, error)

func (f ValidateFunc) Validate(ctx context.Context, state project.State, output, testConditions string) (project.Verdict, error) {
	return f(ctx, state, output, testConditions)
}
