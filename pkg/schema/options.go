package schema

import (
	"strings"

	"github.com/product-os/autumndb/pkg/autumndberrors"
)

// HardMaxLimit bounds every query regardless of the caller's requested
// limit (spec §4.1 "Limits and ordering").
const HardMaxLimit = 1000

// Options mirrors the external query options (spec §6): pagination,
// sorting, and per-link sub-options.
type Options struct {
	Limit    int
	Skip     int
	SortBy   []string
	SortDir  string
	Links    map[string]Options
	HardMax  int
}

// Validated returns a copy of o with defaults applied and every field
// checked against spec §4.1's limit/ordering invariants; non-integer,
// negative, or out-of-range values are rejected before any SQL is built.
func (o Options) Validated() (Options, error) {
	hardMax := o.HardMax
	if hardMax <= 0 {
		hardMax = HardMaxLimit
	}

	out := o
	out.HardMax = hardMax

	if out.Limit == 0 {
		out.Limit = hardMax
	}
	if err := validateCount(out.Limit, "limit"); err != nil {
		return Options{}, err
	}
	if out.Limit > hardMax {
		return Options{}, autumndberrors.Newf(autumndberrors.CodeInvalidLimit, "limit %d exceeds the maximum of %d", out.Limit, hardMax)
	}

	if err := validateCount(out.Skip, "skip"); err != nil {
		return Options{}, err
	}

	switch out.SortDir {
	case "":
		out.SortDir = "asc"
	case "asc", "desc":
	default:
		return Options{}, autumndberrors.Newf(autumndberrors.CodeInvalidLimit, "sortDir must be \"asc\" or \"desc\", got %q", out.SortDir)
	}

	for _, path := range out.SortBy {
		if strings.TrimSpace(path) == "" {
			return Options{}, autumndberrors.New(autumndberrors.CodeInvalidLimit, "sortBy entries must be non-empty paths")
		}
	}

	return out, nil
}

// validateCount rejects a negative count. Non-integer/NaN/infinite values
// (spec §4.1) can only arise at the untyped JSON boundary ahead of this
// call, where json.Number parsing already rejects them before an int
// reaches here.
func validateCount(n int, field string) error {
	if n < 0 {
		return autumndberrors.Newf(autumndberrors.CodeInvalidLimit, "%s must be non-negative, got %d", field, n)
	}
	return nil
}
