package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// bootstrapTableSQL creates the contracts table with the fixed row
// schema (spec §6 "Row schema"). The %s is the quoted table identifier.
const bootstrapTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id                  UUID PRIMARY KEY,
	slug                VARCHAR(255) NOT NULL,
	type                TEXT NOT NULL,
	active              BOOL NOT NULL DEFAULT TRUE,
	version_major       INTEGER NOT NULL DEFAULT 0 CHECK (version_major >= 0),
	version_minor       INTEGER NOT NULL DEFAULT 0 CHECK (version_minor >= 0),
	version_patch       INTEGER NOT NULL DEFAULT 0 CHECK (version_patch >= 0),
	version_prerelease  TEXT NOT NULL DEFAULT '',
	version_build       TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	loop                TEXT NOT NULL DEFAULT '',
	tags                TEXT[] NOT NULL DEFAULT '{}',
	markers             TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	linked_at           JSONB NOT NULL DEFAULT '{}',
	links               JSONB NOT NULL DEFAULT '{}',
	requires            JSONB[] NOT NULL DEFAULT '{}',
	capabilities        JSONB[] NOT NULL DEFAULT '{}',
	data                JSONB NOT NULL DEFAULT '{}',
	UNIQUE (slug, version_major, version_minor, version_patch, version_prerelease, version_build)
)`

// bootstrapIndexSQL are the fixed, type-independent indexes (spec §6
// "Indexes"). %[1]s is the quoted table identifier, %[2]s a stable
// unquoted name fragment derived from the table name.
var bootstrapIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS %[2]s_slug_idx ON %[1]s USING BTREE (slug)`,
	`CREATE INDEX IF NOT EXISTS %[2]s_loop_idx ON %[1]s USING BTREE (loop)`,
	`CREATE INDEX IF NOT EXISTS %[2]s_tags_idx ON %[1]s USING GIN (tags)`,
	`CREATE INDEX IF NOT EXISTS %[2]s_type_idx ON %[1]s USING BTREE (type)`,
	`CREATE INDEX IF NOT EXISTS %[2]s_mirrors_idx ON %[1]s USING GIN ((data->'mirrors'))`,
	`CREATE INDEX IF NOT EXISTS %[2]s_created_at_idx ON %[1]s USING BTREE (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS %[2]s_updated_at_idx ON %[1]s USING BTREE (updated_at)`,
}

// Bootstrap idempotently creates the contracts table, its fixed indexes,
// and the change-notification trigger. Safe to call on every process
// start (spec §6).
func (b *Backend) Bootstrap(ctx context.Context, notifyChannel string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	quoted := pq.QuoteIdentifier(b.table)
	bareName := sanitizeIdentifierFragment(b.table)

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(bootstrapTableSQL, quoted)); err != nil {
		return fmt.Errorf("database: bootstrap table: %w", err)
	}

	for _, stmt := range bootstrapIndexSQL {
		if _, err := b.db.ExecContext(ctx, fmt.Sprintf(stmt, quoted, bareName)); err != nil {
			return fmt.Errorf("database: bootstrap index: %w", err)
		}
	}

	if err := b.bootstrapTrigger(ctx, notifyChannel); err != nil {
		return err
	}

	return nil
}

// EnsureTypeIndex builds the per-type index a type-contract's
// `indexed_fields` calls for (spec §6 "Indexes"): BTREE for scalar
// fields, GIN for array fields, each scoped with a partial-index
// predicate so it only covers rows of that exact type@version.
func (b *Backend) EnsureTypeIndex(ctx context.Context, typeRef, field string, isArray bool) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	quoted := pq.QuoteIdentifier(b.table)
	bareName := sanitizeIdentifierFragment(b.table)
	indexName := fmt.Sprintf("%s_%s_%s_idx", bareName, sanitizeIdentifierFragment(typeRef), sanitizeIdentifierFragment(field))

	method := "BTREE"
	expr := fmt.Sprintf("(data->>%s)", pq.QuoteLiteral(field))
	if isArray {
		method = "GIN"
		expr = fmt.Sprintf("(data->%s)", pq.QuoteLiteral(field))
	}

	stmt := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING %s (%s) WHERE type = %s`,
		pq.QuoteIdentifier(indexName), quoted, method, expr, pq.QuoteLiteral(typeRef),
	)
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("database: ensure type index for %s.%s: %w", typeRef, field, err)
	}
	return nil
}

// EnsureFullTextIndex builds the per-field full-text GIN index for a
// field marked fullTextSearch: true in a type's schema.
func (b *Backend) EnsureFullTextIndex(ctx context.Context, typeRef, field string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	quoted := pq.QuoteIdentifier(b.table)
	bareName := sanitizeIdentifierFragment(b.table)
	indexName := fmt.Sprintf("%s_%s_%s_fts_idx", bareName, sanitizeIdentifierFragment(typeRef), sanitizeIdentifierFragment(field))

	stmt := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (to_tsvector('english', data->>%s)) WHERE type = %s`,
		pq.QuoteIdentifier(indexName), quoted, pq.QuoteLiteral(field), pq.QuoteLiteral(typeRef),
	)
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("database: ensure full-text index for %s.%s: %w", typeRef, field, err)
	}
	return nil
}

func sanitizeIdentifierFragment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
