package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
	"github.com/product-os/autumndb/pkg/versioning"
)

// isMemberOfVerb is the relationship name the marker resolver walks to
// find the orgs an actor belongs to (spec §4.2 step 2 "Marker-based
// schema").
const isMemberOfVerb = "is member of"

// splitRef splits a <slug>@<version> reference. An absent version (or the
// literal "latest") means "the highest version of this slug".
func splitRef(ref string) (slug, version string) {
	idx := strings.LastIndex(ref, "@")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

func isLatest(version string) bool {
	return version == "" || version == "latest"
}

// GetContractByID implements mutation.Store and authz.Loader's id lookups.
func (b *Backend) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf("SELECT %s FROM %s t WHERE t.id = $1", selectColumnsSQL("t"), pq.QuoteIdentifier(b.table))
	rows, err := b.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: get by id")
	}
	return scanOptional(rows)
}

// GetContractBySlug resolves a <slug>@<version> reference, treating an
// absent or "latest" version as the highest version on record.
func (b *Backend) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	slug, version := splitRef(slugAtVersion)
	quoted := pq.QuoteIdentifier(b.table)

	if isLatest(version) {
		q := fmt.Sprintf(
			`SELECT %s FROM %s t WHERE t.slug = $1
			 ORDER BY t.version_major DESC, t.version_minor DESC, t.version_patch DESC, t.version_prerelease = '' DESC
			 LIMIT 1`,
			selectColumnsSQL("t"), quoted,
		)
		rows, err := b.db.QueryContext(ctx, q, slug)
		if err != nil {
			return nil, autumndberrors.FromBackendError(err, "database: get latest by slug")
		}
		return scanOptional(rows)
	}

	v, err := versioning.Parse(version)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	q := fmt.Sprintf(
		`SELECT %s FROM %s t
		 WHERE t.slug = $1 AND t.version_major = $2 AND t.version_minor = $3 AND t.version_patch = $4
		   AND t.version_prerelease = $5 AND t.version_build = $6`,
		selectColumnsSQL("t"), quoted,
	)
	rows, err := b.db.QueryContext(ctx, q, slug, v.Major, v.Minor, v.Patch, v.Prerelease, v.Build)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: get by slug")
	}
	return scanOptional(rows)
}

// LockAndGetBySlug resolves a reference the same way GetContractBySlug
// does, taking a row-level lock so the pipeline's subsequent Upsert
// observes a stable row. The lock is scoped to this statement; callers
// that need it to span the following write should wrap both calls in a
// single backend transaction.
func (b *Backend) LockAndGetBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	slug, version := splitRef(slugAtVersion)
	quoted := pq.QuoteIdentifier(b.table)

	if isLatest(version) {
		q := fmt.Sprintf(
			`SELECT %s FROM %s t WHERE t.slug = $1
			 ORDER BY t.version_major DESC, t.version_minor DESC, t.version_patch DESC, t.version_prerelease = '' DESC
			 LIMIT 1 FOR UPDATE`,
			selectColumnsSQL("t"), quoted,
		)
		rows, err := b.db.QueryContext(ctx, q, slug)
		if err != nil {
			return nil, autumndberrors.FromBackendError(err, "database: lock latest by slug")
		}
		return scanOptional(rows)
	}

	v, err := versioning.Parse(version)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	q := fmt.Sprintf(
		`SELECT %s FROM %s t
		 WHERE t.slug = $1 AND t.version_major = $2 AND t.version_minor = $3 AND t.version_patch = $4
		   AND t.version_prerelease = $5 AND t.version_build = $6 FOR UPDATE`,
		selectColumnsSQL("t"), quoted,
	)
	rows, err := b.db.QueryContext(ctx, q, slug, v.Major, v.Minor, v.Patch, v.Prerelease, v.Build)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: lock by slug")
	}
	return scanOptional(rows)
}

// Insert persists a brand-new contract row.
func (b *Backend) Insert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	v, err := versioning.Parse(c.Version)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	linkedAt, err := json.Marshal(c.LinkedAt)
	if err != nil {
		return nil, fmt.Errorf("database: marshal linked_at: %w", err)
	}
	links, err := json.Marshal(c.Links)
	if err != nil {
		return nil, fmt.Errorf("database: marshal links: %w", err)
	}
	data, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("database: marshal data: %w", err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (
			id, slug, type, active,
			version_major, version_minor, version_patch, version_prerelease, version_build,
			name, loop, tags, markers,
			created_at, updated_at, linked_at, links, requires, capabilities, data
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18::jsonb[], $19::jsonb[], $20
		) RETURNING %s`, pq.QuoteIdentifier(b.table), plainColumnsSQL())

	rows, err := b.db.QueryContext(ctx, q,
		c.ID, c.Slug, c.Type, c.Active,
		v.Major, v.Minor, v.Patch, v.Prerelease, v.Build,
		c.Name, c.Loop, pq.StringArray(c.Tags), pq.StringArray(c.Markers),
		c.CreatedAt, c.UpdatedAt, linkedAt, links,
		jsonArrayLiteral(c.Requires), jsonArrayLiteral(c.Capabilities), data,
	)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: insert")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("database: insert: no row returned")
	}
	return scanOne(rows)
}

// Upsert replaces an existing row by id, or inserts it if absent.
func (b *Backend) Upsert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	v, err := versioning.Parse(c.Version)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	linkedAt, err := json.Marshal(c.LinkedAt)
	if err != nil {
		return nil, fmt.Errorf("database: marshal linked_at: %w", err)
	}
	links, err := json.Marshal(c.Links)
	if err != nil {
		return nil, fmt.Errorf("database: marshal links: %w", err)
	}
	data, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("database: marshal data: %w", err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %[1]s (
			id, slug, type, active,
			version_major, version_minor, version_patch, version_prerelease, version_build,
			name, loop, tags, markers,
			created_at, updated_at, linked_at, links, requires, capabilities, data
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18::jsonb[], $19::jsonb[], $20
		)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug, type = EXCLUDED.type, active = EXCLUDED.active,
			version_major = EXCLUDED.version_major, version_minor = EXCLUDED.version_minor,
			version_patch = EXCLUDED.version_patch, version_prerelease = EXCLUDED.version_prerelease,
			version_build = EXCLUDED.version_build, name = EXCLUDED.name, loop = EXCLUDED.loop,
			tags = EXCLUDED.tags, markers = EXCLUDED.markers, updated_at = EXCLUDED.updated_at,
			linked_at = EXCLUDED.linked_at, links = EXCLUDED.links, requires = EXCLUDED.requires,
			capabilities = EXCLUDED.capabilities, data = EXCLUDED.data
		RETURNING %[2]s`, pq.QuoteIdentifier(b.table), plainColumnsSQL())

	rows, err := b.db.QueryContext(ctx, q,
		c.ID, c.Slug, c.Type, c.Active,
		v.Major, v.Minor, v.Patch, v.Prerelease, v.Build,
		c.Name, c.Loop, pq.StringArray(c.Tags), pq.StringArray(c.Markers),
		c.CreatedAt, c.UpdatedAt, linkedAt, links,
		jsonArrayLiteral(c.Requires), jsonArrayLiteral(c.Capabilities), data,
	)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: upsert")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("database: upsert: no row returned")
	}
	return scanOne(rows)
}

// RecordLinkedAt stamps the first-link-of-this-verb timestamp (spec §4.3
// "materialize linked_at"), a no-op if the verb is already present.
func (b *Backend) RecordLinkedAt(ctx context.Context, endpointID, verb string, at time.Time) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		UPDATE %s SET linked_at =
			CASE WHEN linked_at ? $2 THEN linked_at
			ELSE linked_at || jsonb_build_object($2, to_jsonb($3::timestamptz))
			END
		WHERE id = $1`, pq.QuoteIdentifier(b.table))
	if _, err := b.db.ExecContext(ctx, q, endpointID, verb, at); err != nil {
		return autumndberrors.FromBackendError(err, "database: record linked_at")
	}
	return nil
}

// GetTypeContract resolves a <slug>@<version> type reference to its typed
// view, used by the mutation pipeline's type gate.
func (b *Backend) GetTypeContract(ctx context.Context, typeRef string) (*contracts.TypeContract, error) {
	c, err := b.GetContractBySlug(ctx, typeRef)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return contracts.AsTypeContract(c)
}

// OrgSlugsForActor returns the slugs of every org contract the actor is
// linked to via "is member of" (spec §4.2 step 2 "Marker-based schema").
func (b *Backend) OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	quoted := pq.QuoteIdentifier(b.table)
	q := fmt.Sprintf(`
		SELECT o.slug
		FROM %[1]s l
		JOIN %[1]s a ON a.id = (l.data->'from'->>'id')::uuid
		JOIN %[1]s o ON o.id = (l.data->'to'->>'id')::uuid
		WHERE l.type = $1 AND l.data->>'name' = $2 AND a.slug = $3`,
		quoted,
	)
	rows, err := b.db.QueryContext(ctx, q, contracts.LinkType, isMemberOfVerb, actorSlug)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: org slugs for actor")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("database: scan org slug: %w", err)
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

// Query executes a compiled predicate (spec §4.1) and decodes every row.
func (b *Backend) Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, autumndberrors.FromBackendError(err, "database: query")
	}
	return scanAll(rows)
}

func scanOptional(rows *sql.Rows) (*contracts.Contract, error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanOne(rows)
}

// jsonArrayLiteral builds a Postgres array literal for a JSONB[] column.
// pq's GenericArray encodes []byte elements as bytea, not as array
// members, so a JSONB[] value is built by hand here: each element is
// quoted as an array string literal with embedded quotes/backslashes
// escaped per the array literal grammar.
func jsonArrayLiteral(msgs []json.RawMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(string(m))
		parts[i] = `"` + escaped + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}
