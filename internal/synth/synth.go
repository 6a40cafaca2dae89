// Package synth implements project generation and validation on top of an
// LLM that answers in structured JSON.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"codeloop/internal/llm"
	"codeloop/internal/project"
	"codeloop/internal/prompt"
)

const (
	DefaultBaseImage  = "python:3.12-slim"
	DefaultRunCommand = "python3 ./main.py"

	PhaseGenerate = "generate"
	PhaseValidate = "validate"
)

// Generator asks the model for a complete project.
type Generator struct {
	LLM        llm.LLMClient
	BaseImage  string
	RunCommand string
}

func NewGenerator(client llm.LLMClient, baseImage, runCommand string) *Generator {
	return &Generator{LLM: client, BaseImage: baseImage, RunCommand: runCommand}
}

type generateInput struct {
	Task           string `json:"task"`
	TestConditions string `json:"test_conditions"`
}

func (g *Generator) Generate(ctx context.Context, task project.Task) (project.State, error) {
	if g == nil || g.LLM == nil {
		return project.State{}, fmt.Errorf("synth: generator has no llm client")
	}
	p, err := prompt.Render(generateSpec(orDefault(g.BaseImage, DefaultBaseImage), orDefault(g.RunCommand, DefaultRunCommand)), nil)
	if err != nil {
		return project.State{}, err
	}
	ctx = llm.WithPhase(ctx, PhaseGenerate)
	ctx = llm.WithSchema(ctx, llm.Schema{Name: "generate_code", JSON: generateSchema})

	raw, err := g.LLM.GenerateJSON(ctx, p, generateInput{Task: task.Description, TestConditions: task.TestConditions})
	if err != nil {
		return project.State{}, callErr(PhaseGenerate, err)
	}
	var out generated
	if err := decodeFlex(raw, &out); err != nil {
		return project.State{}, fmt.Errorf("synth: generate: %w", err)
	}
	files, err := filesFromItems(out.Files)
	if err != nil {
		return project.State{}, fmt.Errorf("synth: generate: %w", err)
	}
	state := project.State{BuildRecipe: normRecipe(out.Dockerfile), Files: files}
	if err := state.Validate(); err != nil {
		return project.State{}, fmt.Errorf("synth: generate: %w", err)
	}
	return state, nil
}

// Validator asks the model whether the output meets the test conditions and,
// if not, for a patch.
type Validator struct {
	LLM    llm.LLMClient
	Logger *slog.Logger
	// BaseImage is suggested for replacement recipes.
	BaseImage string
}

func NewValidator(client llm.LLMClient, logger *slog.Logger) *Validator {
	return &Validator{LLM: client, Logger: logger}
}

type validateInput struct {
	TestConditions string     `json:"test_conditions"`
	Dockerfile     string     `json:"dockerfile"`
	Files          []fileItem `json:"files"`
	Output         string     `json:"output"`
}

func (v *Validator) Validate(ctx context.Context, state project.State, output, testConditions string) (project.Verdict, error) {
	if v == nil || v.LLM == nil {
		return project.Verdict{}, fmt.Errorf("synth: validator has no llm client")
	}
	in := validateInput{
		TestConditions: testConditions,
		Dockerfile:     state.BuildRecipe,
		Files:          itemsFromState(state),
		Output:         output,
	}
	p, err := prompt.Render(validateSpec(orDefault(v.BaseImage, DefaultBaseImage)), nil)
	if err != nil {
		return project.Verdict{}, err
	}
	ctx = llm.WithPhase(ctx, PhaseValidate)
	ctx = llm.WithSchema(ctx, llm.Schema{Name: "validate_output", JSON: validateSchema})

	raw, err := v.LLM.GenerateJSON(ctx, p, in)
	if err != nil {
		return project.Verdict{}, callErr(PhaseValidate, err)
	}
	var out verdict
	if err := decodeFlex(raw, &out); err != nil {
		return project.Verdict{}, fmt.Errorf("synth: validate: %w", err)
	}
	if out.Result {
		return project.Verdict{Passed: true}, nil
	}

	patch := &project.Patch{Files: map[string]string{}}
	if out.Dockerfile != nil {
		patch.BuildRecipe = normRecipe(*out.Dockerfile)
	}
	for _, f := range out.Files {
		name := strings.TrimSpace(f.Filename)
		if err := project.ValidateFileName(name); err != nil {
			v.logger().WarnContext(ctx, "dropping patched file", "filename", f.Filename, "err", err)
			continue
		}
		patch.Files[name] = f.Content
	}
	return project.Verdict{Patch: patch}.Normalize(), nil
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// callErr maps a model refusal onto project.ErrRefused.
func callErr(phase string, err error) error {
	if errors.Is(err, llm.ErrRefused) {
		return fmt.Errorf("synth: %s: %w: %w", phase, project.ErrRefused, err)
	}
	return fmt.Errorf("synth: %s: %w", phase, err)
}

func filesFromItems(items []fileItem) (map[string]string, error) {
	files := make(map[string]string, len(items))
	for _, f := range items {
		name := strings.TrimSpace(f.Filename)
		if err := project.ValidateFileName(name); err != nil {
			return nil, err
		}
		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("duplicate file %q", name)
		}
		files[name] = f.Content
	}
	return files, nil
}

func itemsFromState(s project.State) []fileItem {
	names := s.FileNames()
	out := make([]fileItem, 0, len(names))
	for _, name := range names {
		out = append(out, fileItem{Filename: name, Content: s.Files[name]})
	}
	return out
}

func normRecipe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s + "\n"
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
