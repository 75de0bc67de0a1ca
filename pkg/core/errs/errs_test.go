package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("parse: %w", ErrUnparseableNumber), CodeUnparseableNumber},
		{fmt.Errorf("%w: XX", ErrInvalidIdentifier), CodeInvalidIdentifier},
		{ErrNoCandidates, CodeNoCandidates},
		{ErrNoDeclaredTotal, CodeNoDeclaredTotal},
		{fmt.Errorf("%w: in summary", ErrImplausible), CodeImplausible},
		{ErrDuplicate, CodeDuplicate},
		{errors.New("dial tcp: refused"), CodeSourceUnavailable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), tt.err.Error())
	}
}

func TestFromError(t *testing.T) {
	d := FromError(fmt.Errorf("%w: value <= 0", ErrImplausible), "CH0038863350", "pattern")
	assert.Equal(t, CodeImplausible, d.Code)
	assert.Equal(t, "[IMPLAUSIBLE_VALUE] CH0038863350 (pattern): implausible value: value <= 0", d.String())

	assert.Equal(t, "[NO_DECLARED_TOTAL] none", Diagnostic{Code: CodeNoDeclaredTotal, Message: "none"}.String())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("gemini: %w", ErrOverloaded)))
	assert.False(t, IsTransient(ErrSourceUnavailable))
	assert.False(t, IsTransient(nil))
}
