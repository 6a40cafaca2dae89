package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverwritesOnlyNamedFiles(t *testing.T) {
	base := State{
		BuildRecipe: "FROM python:3.12",
		Files: map[string]string{
			"main.py":          "print('a')",
			"util.py":          "X = 1\n",
			"requirements.txt": "",
		},
	}
	next, changed := Apply(base, &Patch{Files: map[string]string{
		"main.py": "print('b')",
		"new.py":  "pass",
	}})

	assert.Equal(t, []string{"main.py", "new.py"}, changed)
	assert.Equal(t, "print('b')", next.Files["main.py"])
	assert.Equal(t, "pass", next.Files["new.py"])
	assert.Equal(t, "X = 1\n", next.Files["util.py"])
	assert.Equal(t, "", next.Files["requirements.txt"])
	assert.Equal(t, "FROM python:3.12", next.BuildRecipe)

	// the input state is left alone
	assert.Equal(t, "print('a')", base.Files["main.py"])
	_, ok := base.Files["new.py"]
	assert.False(t, ok)
}

func TestApplyRecipeOnly(t *testing.T) {
	base := State{BuildRecipe: "X", Files: map[string]string{"main": "print ok"}}
	next, changed := Apply(base, &Patch{BuildRecipe: "Y"})
	assert.Empty(t, changed)
	assert.Equal(t, "Y", next.BuildRecipe)
	assert.Equal(t, base.Files, next.Files)
}

func TestApplyNilPatch(t *testing.T) {
	base := State{BuildRecipe: "X", Files: map[string]string{"main": "print ok"}}
	next, changed := Apply(base, nil)
	assert.Nil(t, changed)
	assert.Equal(t, base, next)
}

func TestVerdictNormalize(t *testing.T) {
	v := Verdict{Passed: true, Patch: &Patch{BuildRecipe: "Y"}}.Normalize()
	assert.Nil(t, v.Patch)

	v = Verdict{Passed: false, Patch: &Patch{}}.Normalize()
	assert.Nil(t, v.Patch)

	v = Verdict{Passed: false, Patch: &Patch{Files: map[string]string{"a": "b"}}}.Normalize()
	require.NotNil(t, v.Patch)
	assert.Equal(t, []string{"a"}, v.Patch.ChangedFiles())
}

func TestValidateFileName(t *testing.T) {
	for _, ok := range []string{"main.py", "pkg/mod.py", "a/b/c.txt", "Dockerfile"} {
		assert.NoError(t, ValidateFileName(ok), ok)
	}
	for _, bad := range []string{"", " main.py", "/etc/passwd", "../x", "a/../../x", `..\x`} {
		assert.Error(t, ValidateFileName(bad), bad)
	}
}

func TestStateValidate(t *testing.T) {
	assert.Error(t, State{}.Validate())
	assert.Error(t, State{BuildRecipe: "FROM x"}.Validate())
	assert.Error(t, State{BuildRecipe: "FROM x", Files: map[string]string{"../a": ""}}.Validate())
	assert.NoError(t, State{BuildRecipe: "FROM x", Files: map[string]string{"main.py": ""}}.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	s := State{BuildRecipe: "X", Files: map[string]string{"a": "1"}}
	c := s.Clone()
	c.Files["a"] = "2"
	assert.Equal(t, "1", s.Files["a"])
	assert.Equal(t, []string{"a"}, c.FileNames())
}
