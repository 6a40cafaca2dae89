package project

import "sort"

// Patch is a partial update proposed by validation. An empty BuildRecipe
// leaves the recipe untouched; Files carries only changed or added files.
type Patch struct {
	BuildRecipe string            `json:"build_recipe,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
}

// Empty reports whether applying the patch would change nothing.
func (p *Patch) Empty() bool {
	return p == nil || (p.BuildRecipe == "" && len(p.Files) == 0)
}

// ChangedFiles returns the distinct file names named by the patch, sorted.
func (p *Patch) ChangedFiles() []string {
	if p == nil || len(p.Files) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.Files))
	for name := range p.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verdict is the validator's judgment.
type Verdict struct {
	Passed bool   `json:"passed"`
	Patch  *Patch `json:"patch,omitempty"`
}

// Normalize drops the patch from a passing verdict and an empty patch from
// a failing one.
func (v Verdict) Normalize() Verdict {
	if v.Passed || v.Patch.Empty() {
		v.Patch = nil
	}
	return v
}

// Apply merges p into s and returns the next state together with the names
// of the files the patch wrote. s is not modified. Files not named in p keep
// their content; the recipe is only replaced when p carries one.
func Apply(s State, p *Patch) (State, []string) {
	next := s.Clone()
	if p == nil {
		return next, nil
	}
	if p.BuildRecipe != "" {
		next.BuildRecipe = p.BuildRecipe
	}
	for name, content := range p.Files {
		next.Files[name] = content
	}
	return next, p.ChangedFiles()
}
