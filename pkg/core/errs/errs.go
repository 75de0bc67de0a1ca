// Package errs defines the error taxonomy of the reconciliation core.
//
// None of these conditions is fatal to a reconciliation run. Stages that hit
// them record a Diagnostic and keep going; the sentinels exist so callers and
// tests can classify what happened with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnparseableNumber: a token cannot be converted under any supported locale.
	ErrUnparseableNumber = errors.New("unparseable number")
	// ErrInvalidIdentifier: a token fails the identifier format check.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrNoCandidates: an identifier group is empty after filtering.
	ErrNoCandidates = errors.New("no candidates")
	// ErrSourceUnavailable: an extraction strategy failed or timed out.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrNoDeclaredTotal: the document declares no usable portfolio total.
	ErrNoDeclaredTotal = errors.New("no declared total")
	// ErrImplausible: a reconciled value fails a plausibility rule.
	ErrImplausible = errors.New("implausible value")
	// ErrDuplicate: two reconciled records share an identifier.
	ErrDuplicate = errors.New("duplicate identifier")
	// ErrOverloaded marks a transient upstream failure that is worth retrying.
	ErrOverloaded = errors.New("upstream overloaded")
)

// Code is the stable, machine-readable name of a diagnostic.
type Code string

const (
	CodeUnparseableNumber Code = "UNPARSEABLE_NUMBER"
	CodeInvalidIdentifier Code = "INVALID_IDENTIFIER"
	CodeNoCandidates      Code = "NO_CANDIDATES"
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	CodeNoDeclaredTotal   Code = "NO_DECLARED_TOTAL"
	CodeDuplicate         Code = "DUPLICATE_IDENTIFIER"
	CodeImplausible       Code = "IMPLAUSIBLE_VALUE"
	CodeOverride          Code = "OVERRIDE_APPLIED"
)

// Diagnostic is an audit entry for a non-fatal condition met during a run.
type Diagnostic struct {
	Code       Code   `json:"code"`
	Identifier string `json:"identifier,omitempty"`
	Source     string `json:"source,omitempty"`
	Message    string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.Identifier != "" && d.Source != "":
		return fmt.Sprintf("[%s] %s (%s): %s", d.Code, d.Identifier, d.Source, d.Message)
	case d.Identifier != "":
		return fmt.Sprintf("[%s] %s: %s", d.Code, d.Identifier, d.Message)
	case d.Source != "":
		return fmt.Sprintf("[%s] (%s): %s", d.Code, d.Source, d.Message)
	}
	return fmt.Sprintf("[%s] %s", d.Code, d.Message)
}

// CodeOf maps an error onto its diagnostic code. Unknown errors map to
// CodeSourceUnavailable since they can only come from a collaborator.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrUnparseableNumber):
		return CodeUnparseableNumber
	case errors.Is(err, ErrInvalidIdentifier):
		return CodeInvalidIdentifier
	case errors.Is(err, ErrNoCandidates):
		return CodeNoCandidates
	case errors.Is(err, ErrNoDeclaredTotal):
		return CodeNoDeclaredTotal
	case errors.Is(err, ErrImplausible):
		return CodeImplausible
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	}
	return CodeSourceUnavailable
}

// FromError builds a Diagnostic for err.
func FromError(err error, identifier, source string) Diagnostic {
	return Diagnostic{
		Code:       CodeOf(err),
		Identifier: identifier,
		Source:     source,
		Message:    err.Error(),
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrOverloaded)
}
