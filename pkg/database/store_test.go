package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// mockRow builds one sqlmock row in schema.Columns() order, using the same
// Postgres array-literal text a real driver would hand back for the tags,
// markers, requires and capabilities columns.
func mockRow(id, slug, typ string, at time.Time) []driverValue {
	return []driverValue{
		id, slug, typ, true,
		1, 0, 0, "", "",
		"", "", "{}", "{}",
		at, at, []byte(`{}`), "{}", "{}", []byte(`{}`),
	}
}

// driverValue exists only to let mockRow return a mixed-type literal slice
// that sqlmock.Rows.AddRow accepts as ...driver.Value.
type driverValue = interface{}

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newBackendWithDB(db, "contracts"), mock
}

func TestGetContractByIDScansRow(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(schema.Columns()).AddRow(mockRow("id-1", "card-1", "card@1.0.0", now)...)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE t.id = $1`)).WithArgs("id-1").WillReturnRows(rows)

	got, err := b.GetContractByID(context.Background(), "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "card-1", got.Slug)
	require.Equal(t, "1.0.0", got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContractByIDReturnsNilWhenMissing(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE t.id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(schema.Columns()))

	got, err := b.GetContractByID(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetContractBySlugLatestOrdersByVersionDescending(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(schema.Columns()).AddRow(mockRow("id-2", "card-1", "card@1.0.0", now)...)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY t.version_major DESC, t.version_minor DESC, t.version_patch DESC, t.version_prerelease = '' DESC`)).
		WithArgs("card-1").
		WillReturnRows(rows)

	got, err := b.GetContractBySlug(context.Background(), "card-1@latest")
	require.NoError(t, err)
	require.Equal(t, "id-2", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContractBySlugExactVersionMatchesAllFiveComponents(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(schema.Columns()).AddRow(mockRow("id-3", "card-1", "card@1.2.3", now)...)
	mock.ExpectQuery(regexp.QuoteMeta(`t.version_major = $2 AND t.version_minor = $3 AND t.version_patch = $4`)).
		WithArgs("card-1", 1, 2, 3, "", "").
		WillReturnRows(rows)

	got, err := b.GetContractBySlug(context.Background(), "card-1@1.2.3")
	require.NoError(t, err)
	require.Equal(t, "id-3", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCastsJSONBArrayColumnsAndReturnsRow(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(schema.Columns()).AddRow(mockRow("id-1", "card-1", "card@1.0.0", now)...)
	mock.ExpectQuery(regexp.QuoteMeta(`$18::jsonb[], $19::jsonb[]`)).
		WillReturnRows(rows)

	c := contracts.Contract{
		ID: "id-1", Slug: "card-1", Type: "card@1.0.0", Active: true,
		Version: "1.0.0", CreatedAt: now, UpdatedAt: now,
		LinkedAt: map[string]time.Time{}, Data: map[string]interface{}{},
	}
	inserted, err := b.Insert(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "id-1", inserted.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUsesOnConflictClause(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(schema.Columns()).AddRow(mockRow("id-1", "card-1", "card@1.0.0", now)...)
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (id) DO UPDATE SET`)).WillReturnRows(rows)

	c := contracts.Contract{
		ID: "id-1", Slug: "card-1", Type: "card@1.0.0", Active: true,
		Version: "1.0.0", CreatedAt: now, UpdatedAt: now,
		LinkedAt: map[string]time.Time{}, Data: map[string]interface{}{},
	}
	upserted, err := b.Upsert(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "id-1", upserted.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLinkedAtIsConditionalOnExistingVerb(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectExec(regexp.QuoteMeta(`CASE WHEN linked_at ? $2 THEN linked_at`)).
		WithArgs("id-1", "is attached to", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := b.RecordLinkedAt(context.Background(), "id-1", "is attached to", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
