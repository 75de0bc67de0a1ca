// Package prompt keeps the model prompts of the extraction strategies. The
// built-in prompts can be replaced by JSON or Hjson files without a rebuild.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Template is a system prompt plus a text/template for the user turn.
type Template struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Description  string     `json:"description"`
	SystemPrompt string     `json:"system_prompt"`
	UserTemplate string     `json:"user_prompt_template"`
	Variables    []Variable `json:"variables"`
	Version      string     `json:"version"`

	parsed *template.Template
}

// Variable declares a template input. Default applies when the caller
// leaves the variable unset.
type Variable struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     string `json:"default"`
}

// Vars are the values a template is rendered with.
type Vars map[string]interface{}

// Set stores value under key and returns v for chaining.
func (v Vars) Set(key string, value interface{}) Vars {
	v[key] = value
	return v
}

// compile checks t and parses its user template.
func (t *Template) compile() error {
	var problems []string
	if strings.TrimSpace(t.ID) == "" {
		problems = append(problems, "id is empty")
	}
	if strings.TrimSpace(t.SystemPrompt) == "" {
		problems = append(problems, "system prompt is empty")
	}
	seen := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		switch {
		case v.Name == "":
			problems = append(problems, "variable without name")
		case seen[v.Name]:
			problems = append(problems, fmt.Sprintf("variable %q declared twice", v.Name))
		}
		seen[v.Name] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid prompt %q: %s", t.ID, strings.Join(problems, "; "))
	}

	parsed, err := template.New(t.ID).Parse(t.UserTemplate)
	if err != nil {
		return fmt.Errorf("invalid prompt %q: %w", t.ID, err)
	}
	t.parsed = parsed
	return nil
}

var errNotCompiled = errors.New("prompt is not registered")

// Render executes the user template. Declared defaults fill unset
// variables; a required variable that is still missing is an error.
func (t *Template) Render(vars Vars) (string, error) {
	if t.parsed == nil {
		return "", fmt.Errorf("%w: %s", errNotCompiled, t.ID)
	}

	data := make(map[string]interface{}, len(t.Variables)+len(vars))
	for _, v := range t.Variables {
		if v.Default != "" {
			data[v.Name] = v.Default
		}
	}
	for k, v := range vars {
		data[k] = v
	}
	for _, v := range t.Variables {
		if _, ok := data[v.Name]; v.Required && !ok {
			return "", fmt.Errorf("missing required variable %q", v.Name)
		}
	}

	var buf bytes.Buffer
	if err := t.parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
