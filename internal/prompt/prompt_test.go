package prompt

import (
	"strings"
	"testing"
)

func TestRender_RendersSectionsInOrder(t *testing.T) {
	spec := Spec{
		Purpose:      "Write a program.",
		Background:   "Runs in a container.",
		Sections:     []Section{{Title: "execution_output", Body: "hello"}, {Title: "empty", Body: "  "}},
		OutputFormat: "JSON only.",
		Language:     "English",
		OutputFields: []Field{
			{Name: "dockerfile", Type: "string", Required: true, Description: "Build recipe."},
			{Name: "files", Type: "[]file", Required: false},
			{Name: " "},
		},
		Constraints: []string{"No markdown.", ""},
		Rules:       []string{"Be concise."},
		Assumptions: []string{"Python 3."},
		Examples:    []Example{{InputJSON: `{"task":"x"}`, OutputJSON: `{"dockerfile":"FROM x"}`}},
	}

	out, err := Render(spec, map[string]any{"task": "print hi"})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}

	want := []string{
		"[PURPOSE]", "[BACKGROUND]", "[INPUT]", "[EXECUTION_OUTPUT]", "[OUTPUT]",
		"[CONSTRAINTS]", "[RULES]", "[ASSUMPTIONS]", "[OUTPUT_FORMAT]",
		"[LANGUAGE]", "[EXAMPLES]",
	}
	pos := 0
	for _, sec := range want {
		i := strings.Index(out[pos:], sec)
		if i < 0 {
			t.Fatalf("section %s missing or out of order in:\n%s", sec, out)
		}
		pos += i + len(sec)
	}
	if strings.Contains(out, "[EMPTY]") {
		t.Fatalf("blank section should be skipped")
	}
	if !strings.Contains(out, "- dockerfile (string, required): Build recipe.") {
		t.Fatalf("field line missing:\n%s", out)
	}
	if !strings.Contains(out, "- files ([]file, optional)\n") {
		t.Fatalf("optional field line missing:\n%s", out)
	}
	if !strings.Contains(out, `"task": "print hi"`) {
		t.Fatalf("input json missing:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") || strings.HasSuffix(out, "\n\n") {
		t.Fatalf("prompt should end with a single newline")
	}
}

func TestRender_RequiresPurposeAndFields(t *testing.T) {
	if _, err := Render(Spec{OutputFields: []Field{{Name: "a"}}}, nil); err == nil {
		t.Fatalf("expected error for empty purpose")
	}
	if _, err := Render(Spec{Purpose: "x"}, nil); err == nil {
		t.Fatalf("expected error for empty output fields")
	}
}

func TestRender_NilInputOmitsSection(t *testing.T) {
	out, err := Render(Spec{Purpose: "x", OutputFields: []Field{{Name: "a", Type: "string"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "[INPUT]") {
		t.Fatalf("unexpected input section:\n%s", out)
	}
}
