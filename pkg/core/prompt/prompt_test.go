package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry()

	pt, err := r.GetPrompt(SecuritiesExtraction)
	require.NoError(t, err)
	assert.Equal(t, "extraction", pt.Category)
	assert.Contains(t, pt.SystemPrompt, "JSON")
	assert.Len(t, r.ListByCategory("extraction"), 1)
	assert.Equal(t, 1, r.Count())
}

func TestRender(t *testing.T) {
	r := NewRegistry()

	sys, user, err := r.Render(SecuritiesExtraction, Vars{}.
		Set("Document", "NESTLE CH0038863350 750'000").
		Set("Currency", "CHF"))
	require.NoError(t, err)
	assert.NotEmpty(t, sys)
	assert.Contains(t, user, "locale hint: international")
	assert.Contains(t, user, "Primary currency: CHF")
	assert.Contains(t, user, "CH0038863350")

	_, user, err = r.Render(SecuritiesExtraction, Vars{"Document": "x", "Locale": "swiss"})
	require.NoError(t, err)
	assert.NotContains(t, user, "Primary currency")
	assert.Contains(t, user, "swiss")
}

func TestRender_Errors(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.Render(SecuritiesExtraction, Vars{})
	assert.ErrorContains(t, err, `missing required variable "Document"`)

	_, _, err = r.Render("nope", nil)
	assert.ErrorContains(t, err, "prompt not found")

	_, err = (&Template{ID: "unregistered", SystemPrompt: "s"}).Render(nil)
	assert.ErrorIs(t, err, errNotCompiled)
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    Template
		wantErr string
	}{
		{
			name:    "Empty template",
			tmpl:    Template{},
			wantErr: "id is empty; system prompt is empty",
		},
		{
			name:    "Broken user template",
			tmpl:    Template{ID: "x", SystemPrompt: "s", UserTemplate: "{{.Document"},
			wantErr: `invalid prompt "x"`,
		},
		{
			name: "Duplicate variable",
			tmpl: Template{ID: "x", SystemPrompt: "s", Variables: []Variable{
				{Name: "Document"}, {Name: "Document"},
			}},
			wantErr: `variable "Document" declared twice`,
		},
		{
			name:    "Unnamed variable",
			tmpl:    Template{ID: "x", SystemPrompt: "s", Variables: []Variable{{Required: true}}},
			wantErr: "variable without name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tmpl := tt.tmpl
			err := r.Register(&tmpl)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, 1, r.Count(), "rejected prompts are not stored")
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	extraction := filepath.Join(dir, "prompts", "extraction")
	require.NoError(t, os.MkdirAll(extraction, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(extraction, "securities.json"),
		[]byte(`{"system_prompt": "custom", "user_prompt_template": "{{.Document}}"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(extraction, "bonds.hjson"),
		[]byte("{\n  # bonds only\n  system_prompt: bonds\n  user_prompt_template: '{{.Document}}'\n}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(extraction, "notes.txt"), []byte("ignored"), 0o644))

	r := NewRegistry()
	require.NoError(t, LoadFromDirectory(r, dir))

	assert.Equal(t, []string{"extraction.bonds", "extraction.securities"}, r.ListPrompts())

	pt, err := r.GetPrompt(SecuritiesExtraction)
	require.NoError(t, err)
	assert.Equal(t, "custom", pt.SystemPrompt)
	assert.Equal(t, "extraction", pt.Category)

	_, user, err := r.Render("extraction.bonds", Vars{"Document": "CH0224397213"})
	require.NoError(t, err)
	assert.Equal(t, "CH0224397213", user)
}

func TestLoadFromDirectory_Errors(t *testing.T) {
	err := LoadFromDirectory(NewRegistry(), t.TempDir())
	assert.ErrorContains(t, err, "prompts directory not found")

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "empty.json"), []byte(`{"user_prompt_template": "x"}`), 0o644))
	err = LoadFromDirectory(NewRegistry(), dir)
	assert.ErrorContains(t, err, "system prompt is empty")
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
