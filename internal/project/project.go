package project

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRefused is returned by a synthesis or validation service that declined
// to answer. Generation treats it as fatal; validation degrades it to a
// failed verdict without a patch.
var ErrRefused = errors.New("project: service refused the request")

// State is the project under iteration: a build recipe plus its files.
type State struct {
	BuildRecipe string            `json:"build_recipe"`
	Files       map[string]string `json:"files"`
}

// Clone returns a deep copy so callers outside the loop never share the map.
func (s State) Clone() State {
	out := State{BuildRecipe: s.BuildRecipe, Files: make(map[string]string, len(s.Files))}
	for name, content := range s.Files {
		out.Files[name] = content
	}
	return out
}

// FileNames returns the file names in lexical order.
func (s State) FileNames() []string {
	names := make([]string, 0, len(s.Files))
	for name := range s.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports whether the state can be handed to an executor.
func (s State) Validate() error {
	if strings.TrimSpace(s.BuildRecipe) == "" {
		return fmt.Errorf("project: build recipe is empty")
	}
	if len(s.Files) == 0 {
		return fmt.Errorf("project: no files")
	}
	for name := range s.Files {
		if err := ValidateFileName(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFileName rejects names that would escape the project root once
// materialised on disk.
func ValidateFileName(name string) error {
	n := strings.TrimSpace(name)
	if n == "" {
		return fmt.Errorf("project: empty file name")
	}
	if n != name {
		return fmt.Errorf("project: file name %q has surrounding whitespace", name)
	}
	if strings.HasPrefix(n, "/") || strings.HasPrefix(n, `\`) {
		return fmt.Errorf("project: file name %q is absolute", name)
	}
	for _, part := range strings.FieldsFunc(n, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("project: file name %q escapes the project root", name)
		}
	}
	return nil
}

// ExecutionResult is what a sandbox run produced. Only Output reaches the
// validator; ExitCode and Stage are diagnostics.
type ExecutionResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Stage    string `json:"stage,omitempty"`
}

// Execution stages reported in ExecutionResult.Stage.
const (
	StageBuild = "build"
	StageRun   = "run"
)

// Task is the run input. Both fields are opaque to the loop.
type Task struct {
	Description    string `json:"description"`
	TestConditions string `json:"test_conditions"`
}
