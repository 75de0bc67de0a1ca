// Package candidate defines the records extraction strategies produce and
// collects them from several strategies concurrently.
package candidate

import (
	"github.com/shopspring/decimal"
)

// Record is one strategy's claim about one security. Records are treated as
// immutable: every later stage works on copies.
type Record struct {
	Identifier string           `json:"identifier"`
	Name       string           `json:"name,omitempty"`
	Value      *decimal.Decimal `json:"value,omitempty"`
	// ValueToken is the raw amount as it appeared in the text. When Value is
	// nil the engine parses it with the document locale.
	ValueToken string `json:"value_token,omitempty"`
	Currency   string `json:"currency,omitempty"`
	// Confidence in (0, 1]; zero means the strategy did not assign one.
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source"`
	RawContext string  `json:"raw_context,omitempty"`
	// Position is the byte offset of the identifier in the text, nil if
	// unknown. Only strategies that located the identifier set it.
	Position *int `json:"position,omitempty"`
	// ValueDistance is the byte distance between identifier and amount, nil
	// if unknown.
	ValueDistance *int `json:"value_distance,omitempty"`
}

// NewRecord returns a record for identifier with unknown position and distance.
func NewRecord(identifier, source string) Record {
	return Record{Identifier: identifier, Source: source}
}

// WithPosition returns a copy of r located at byte offset pos. A negative
// pos leaves the position unknown.
func (r Record) WithPosition(pos int) Record {
	if pos < 0 {
		r.Position = nil
		return r
	}
	r.Position = &pos
	return r
}

// WithDistance returns a copy of r whose amount lies d bytes after the
// identifier. A negative d leaves the distance unknown.
func (r Record) WithDistance(d int) Record {
	if d < 0 {
		r.ValueDistance = nil
		return r
	}
	r.ValueDistance = &d
	return r
}

// WithValue returns a copy of r carrying v.
func (r Record) WithValue(v decimal.Decimal) Record {
	r.Value = &v
	return r
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.Value != nil {
		v := *r.Value
		r.Value = &v
	}
	if r.Position != nil {
		p := *r.Position
		r.Position = &p
	}
	if r.ValueDistance != nil {
		d := *r.ValueDistance
		r.ValueDistance = &d
	}
	return r
}

// HasPosition reports whether the record's location in the text is known.
func (r Record) HasPosition() bool {
	return r.Position != nil
}

// Offset returns the position, -1 if unknown.
func (r Record) Offset() int {
	if r.Position == nil {
		return -1
	}
	return *r.Position
}

// Distance returns the value distance, -1 if unknown.
func (r Record) Distance() int {
	if r.ValueDistance == nil {
		return -1
	}
	return *r.ValueDistance
}

// Source is the output of one strategy: the unit the engine reconciles.
type Source struct {
	Tag        string   `json:"tag"`
	Weight     float64  `json:"weight"`
	Candidates []Record `json:"candidates"`
}

// NewSource wraps records under tag with the default weight.
func NewSource(tag string, records ...Record) Source {
	return Source{Tag: tag, Weight: 1.0, Candidates: records}
}

// EffectiveWeight is the weight applied by the scorer. A zero weight means
// "not configured" and counts as 1.
func (s Source) EffectiveWeight() float64 {
	if s.Weight <= 0 {
		return 1.0
	}
	return s.Weight
}
