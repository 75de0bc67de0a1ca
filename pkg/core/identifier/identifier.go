// Package identifier recognises security identifiers in statement text.
//
// The primary format is the ISIN (ISO 6166): 2 country letters, 9 alphanumeric
// characters and a trailing check digit. Looser secondary formats (9-character
// CUSIP-like, 7-character SEDOL-like codes) are accepted with a lower inherent
// confidence because they collide far more often with ordinary words and
// reference numbers.
package identifier

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"portfolio_reconciler/pkg/core/errs"
)

// Kind classifies a valid identifier.
type Kind string

const (
	KindISINLike Kind = "isin-like"
	KindOther    Kind = "other"
)

// Format names the concrete scheme a token matched.
type Format string

const (
	FormatISIN  Format = "isin"
	FormatCUSIP Format = "cusip"
	FormatSEDOL Format = "sedol"
)

// isinRegex checks for the basic structure: 2 letters, 9 alphanumeric, 1 digit.
var isinRegex = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

// cusipRegex: 9 alphanumeric characters.
var cusipRegex = regexp.MustCompile(`^[A-Z0-9]{9}$`)

// sedolRegex: 6 alphanumeric characters (no vowels) and a check digit.
var sedolRegex = regexp.MustCompile(`^[B-DF-HJ-NP-TV-Z0-9]{6}[0-9]$`)

// isinScan finds ISIN-shaped tokens in free text.
var isinScan = regexp.MustCompile(`\b[A-Z]{2}[A-Z0-9]{9}[0-9]\b`)

// secondaryScan finds CUSIP/SEDOL-shaped tokens in free text.
var secondaryScan = regexp.MustCompile(`\b(?:[A-Z0-9]{9}|[B-DF-HJ-NP-TV-Z0-9]{6}[0-9])\b`)

// Result is the outcome of validating one token.
type Result struct {
	Token  string `json:"token"`
	Valid  bool   `json:"valid"`
	Kind   Kind   `json:"kind,omitempty"`
	Format Format `json:"format,omitempty"`
}

// Validator checks identifier tokens.
type Validator struct {
	// VerifyCheckDigit enables the ISO 6166 check digit test for ISIN-like codes.
	VerifyCheckDigit bool
	// AllowSecondary accepts CUSIP/SEDOL-like codes as KindOther.
	AllowSecondary bool
}

// NewValidator returns a validator with check digit verification and
// secondary formats enabled.
func NewValidator() *Validator {
	return &Validator{VerifyCheckDigit: true, AllowSecondary: true}
}

// Validate classifies token. An invalid token returns Result.Valid == false
// and an error wrapping errs.ErrInvalidIdentifier.
func (v *Validator) Validate(token string) (Result, error) {
	id := Normalize(token)
	res := Result{Token: id}

	if len(id) == 12 {
		if err := v.validateISIN(id); err != nil {
			return res, err
		}
		res.Valid, res.Kind, res.Format = true, KindISINLike, FormatISIN
		return res, nil
	}

	if v.AllowSecondary {
		switch {
		// A bare 9-digit run in statement text is far more often an amount or
		// an account number than a CUSIP, so a letter is required.
		case len(id) == 9 && cusipRegex.MatchString(id) && hasDigit(id) && hasLetter(id):
			res.Valid, res.Kind, res.Format = true, KindOther, FormatCUSIP
			return res, nil
		case len(id) == 7 && sedolRegex.MatchString(id) && hasLetter(id) && ValidSEDOLCheckDigit(id):
			res.Valid, res.Kind, res.Format = true, KindOther, FormatSEDOL
			return res, nil
		}
	}

	return res, fmt.Errorf("%w: %q: invalid length %d", errs.ErrInvalidIdentifier, token, len(id))
}

func (v *Validator) validateISIN(id string) error {
	if !isinRegex.MatchString(id) {
		return fmt.Errorf("%w: %q: must be 2 uppercase letters, 9 alphanumeric chars and 1 digit", errs.ErrInvalidIdentifier, id)
	}
	if v.VerifyCheckDigit {
		expected := ISINCheckDigit(id[:11])
		actual := int(id[11] - '0')
		if expected != actual {
			return fmt.Errorf("%w: %q: invalid check digit: expected %d, got %d", errs.ErrInvalidIdentifier, id, expected, actual)
		}
	}
	return nil
}

// IsValid is a convenience wrapper around Validate.
func (v *Validator) IsValid(token string) bool {
	res, err := v.Validate(token)
	return err == nil && res.Valid
}

// Match is an identifier located in a text.
type Match struct {
	Result
	Offset int `json:"offset"`
}

// FindAll scans text and returns every valid identifier with its byte offset,
// in order of appearance. ISIN-like codes are always scanned; secondary codes
// only when AllowSecondary is set.
func (v *Validator) FindAll(text string) []Match {
	var matches []Match
	taken := make(map[int]bool)

	for _, loc := range isinScan.FindAllStringIndex(text, -1) {
		res, err := v.Validate(text[loc[0]:loc[1]])
		if err != nil {
			continue
		}
		matches = append(matches, Match{Result: res, Offset: loc[0]})
		taken[loc[0]] = true
	}

	if v.AllowSecondary {
		for _, loc := range secondaryScan.FindAllStringIndex(text, -1) {
			if taken[loc[0]] {
				continue
			}
			res, err := v.Validate(text[loc[0]:loc[1]])
			if err != nil {
				continue
			}
			matches = append(matches, Match{Result: res, Offset: loc[0]})
		}
	}

	sortMatches(matches)
	return matches
}

// InherentConfidence is the trust factor attached to an identifier kind.
func InherentConfidence(k Kind) float64 {
	if k == KindISINLike {
		return 1.0
	}
	return 0.8
}

// Normalize upper-cases and trims a token.
func Normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// ISINCheckDigit computes the ISO 6166 check digit for the first 11 characters.
// Letters are expanded to two digits (A=10 ... Z=35), then a Luhn sum is
// taken from the rightmost digit.
func ISINCheckDigit(body string) int {
	var digits strings.Builder
	for _, char := range body {
		if char >= 'A' && char <= 'Z' {
			digits.WriteString(strconv.Itoa(int(char - 'A' + 10)))
		} else {
			digits.WriteRune(char)
		}
	}

	sum := 0
	double := true
	s := digits.String()
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if double {
			d *= 2
		}
		sum += d/10 + d%10
		double = !double
	}
	return (10 - sum%10) % 10
}

// ValidSEDOLCheckDigit verifies the weighted mod-10 check of a 7-char SEDOL.
func ValidSEDOLCheckDigit(sedol string) bool {
	weights := []int{1, 3, 1, 7, 3, 9}
	sum := 0
	for i := 0; i < 6; i++ {
		c := sedol[i]
		var n int
		if c >= '0' && c <= '9' {
			n = int(c - '0')
		} else {
			n = int(c-'A') + 10
		}
		sum += n * weights[i]
	}
	return (10-sum%10)%10 == int(sedol[6]-'0')
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
}

func hasLetter(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= 'A' && r <= 'Z' }) >= 0
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Offset < m[j].Offset })
}
