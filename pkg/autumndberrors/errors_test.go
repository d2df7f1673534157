package autumndberrors

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestNewSetsExpectedFromTaxonomy(t *testing.T) {
	require.True(t, New(CodeAlreadyExists, "x").Expected)
	require.False(t, New(CodeBackend, "x").Expected)
}

func TestIsLooksThroughWrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(CodeTimeout, "slow query", base)
	require.True(t, Is(wrapped, CodeTimeout))
	require.False(t, Is(wrapped, CodeBackend))
	require.ErrorIs(t, wrapped, base)
}

func TestFromBackendErrorNoRows(t *testing.T) {
	e := FromBackendError(sql.ErrNoRows, "getContractById")
	require.Equal(t, CodeNoElement, e.Code)
	require.True(t, e.Expected)
}

func TestFromBackendErrorUniqueViolation(t *testing.T) {
	pqErr := &pq.Error{Code: "23505"}
	e := FromBackendError(pqErr, "insertContract")
	require.Equal(t, CodeAlreadyExists, e.Code)
}

func TestFromBackendErrorTruncation(t *testing.T) {
	pqErr := &pq.Error{Code: "22001"}
	e := FromBackendError(pqErr, "insertContract")
	require.Equal(t, CodeInvalidSlug, e.Code)
}

func TestFromBackendErrorFallback(t *testing.T) {
	e := FromBackendError(errors.New("connection refused"), "query")
	require.Equal(t, CodeBackend, e.Code)
	require.False(t, e.Expected)
}

func TestAsSchemaMismatchIsGeneric(t *testing.T) {
	detailed := errors.New("data.hash: required property missing")
	e := AsSchemaMismatch(detailed)
	require.Equal(t, CodeSchemaMismatch, e.Code)
	require.NotContains(t, e.Message, "hash")
}
