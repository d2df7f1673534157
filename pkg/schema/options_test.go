package schema

import (
	"testing"

	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidatedDefaults(t *testing.T) {
	opts, err := Options{}.Validated()
	require.NoError(t, err)
	require.Equal(t, HardMaxLimit, opts.Limit)
	require.Equal(t, "asc", opts.SortDir)
}

func TestOptionsValidatedRejectsNegativeLimit(t *testing.T) {
	_, err := Options{Limit: -1}.Validated()
	require.True(t, autumndberrors.Is(err, autumndberrors.CodeInvalidLimit))
}

func TestOptionsValidatedRejectsOverHardMax(t *testing.T) {
	_, err := Options{Limit: HardMaxLimit + 1}.Validated()
	require.True(t, autumndberrors.Is(err, autumndberrors.CodeInvalidLimit))
}

func TestOptionsValidatedRejectsNegativeSkip(t *testing.T) {
	_, err := Options{Skip: -1}.Validated()
	require.True(t, autumndberrors.Is(err, autumndberrors.CodeInvalidLimit))
}

func TestOptionsValidatedRejectsBadSortDir(t *testing.T) {
	_, err := Options{SortDir: "sideways"}.Validated()
	require.True(t, autumndberrors.Is(err, autumndberrors.CodeInvalidLimit))
}

func TestOptionsValidatedHonorsCustomHardMax(t *testing.T) {
	opts, err := Options{HardMax: 10}.Validated()
	require.NoError(t, err)
	require.Equal(t, 10, opts.Limit)
}
