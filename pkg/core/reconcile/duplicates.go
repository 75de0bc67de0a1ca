package reconcile

import (
	"fmt"
	"log/slog"
	"strings"

	"portfolio_reconciler/pkg/core/errs"
)

// ResolveDuplicates enforces one record per identifier, compared
// case-insensitively. On a collision the higher confidence wins, ties go to
// the higher value. Each collision is logged and reported. Survivors keep
// the order of their first occurrence.
func ResolveDuplicates(secs []Security, logger *slog.Logger) ([]Security, []errs.Diagnostic) {
	if logger == nil {
		logger = slog.Default()
	}

	index := make(map[string]int, len(secs))
	out := make([]Security, 0, len(secs))
	var diags []errs.Diagnostic

	for _, s := range secs {
		key := strings.ToUpper(strings.TrimSpace(s.Identifier))
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, s)
			continue
		}

		kept, dropped := out[i], s
		if wins(s, kept) {
			kept, dropped = s, kept
			out[i] = s
		}

		logger.Warn("duplicate identifier after reconciliation",
			"identifier", key,
			"kept_value", kept.Value.String(), "kept_confidence", kept.Confidence,
			"dropped_value", dropped.Value.String(), "dropped_confidence", dropped.Confidence)
		diags = append(diags, errs.FromError(
			fmt.Errorf("%w: kept %s (confidence %.2f), dropped %s (confidence %.2f)",
				errs.ErrDuplicate, kept.Value, kept.Confidence, dropped.Value, dropped.Confidence),
			key, ""))
	}
	return out, diags
}

func wins(a, b Security) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Value.GreaterThan(b.Value)
}
