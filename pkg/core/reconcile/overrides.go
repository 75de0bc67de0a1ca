package reconcile

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/identifier"
)

// Override is a manual correction for one identifier.
type Override struct {
	Value    decimal.Decimal
	Name     string
	Currency string
	Reason   string
}

// Overrides maps a normalized identifier to its correction.
type Overrides map[string]Override

type overrideFile struct {
	Overrides map[string]struct {
		Value    string `yaml:"value"`
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
		Reason   string `yaml:"reason"`
	} `yaml:"overrides"`
}

// ParseOverrides reads an override table:
//
//	overrides:
//	  CH0038863350:
//	    value: "1250000.00"
//	    reason: "custodian confirmation 2024-01-05"
func ParseOverrides(data []byte) (Overrides, error) {
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}

	out := make(Overrides, len(f.Overrides))
	for id, o := range f.Overrides {
		v, err := decimal.NewFromString(strings.TrimSpace(o.Value))
		if err != nil {
			return nil, fmt.Errorf("override %s: invalid value %q: %w", id, o.Value, err)
		}
		if !v.IsPositive() {
			return nil, fmt.Errorf("override %s: value must be positive, got %s", id, v)
		}
		out[identifier.Normalize(id)] = Override{
			Value:    v,
			Name:     strings.TrimSpace(o.Name),
			Currency: strings.ToUpper(strings.TrimSpace(o.Currency)),
			Reason:   o.Reason,
		}
	}
	return out, nil
}

// LoadOverrides reads an override table from a YAML file.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}
	return ParseOverrides(data)
}

// Apply returns copies of secs with overrides applied. Identifiers absent
// from secs are ignored.
func (o Overrides) Apply(secs []Security) ([]Security, []errs.Diagnostic) {
	if len(o) == 0 {
		return secs, nil
	}

	out := make([]Security, len(secs))
	var diags []errs.Diagnostic
	for i, s := range secs {
		ov, ok := o[identifier.Normalize(s.Identifier)]
		if !ok {
			out[i] = s
			continue
		}

		diags = append(diags, errs.Diagnostic{
			Code:       errs.CodeOverride,
			Identifier: s.Identifier,
			Message:    fmt.Sprintf("value %s replaced by %s: %s", s.Value, ov.Value, ov.Reason),
		})
		s.Value = ov.Value
		if ov.Name != "" {
			s.Name = ov.Name
		}
		if ov.Currency != "" {
			s.Currency = ov.Currency
		}
		s.Overridden = true
		out[i] = s
	}
	return out, diags
}
