package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// row is a scan destination mirroring schema.Columns() in order.
type row struct {
	id                string
	slug              string
	typ               string
	active            bool
	versionMajor      int
	versionMinor      int
	versionPatch      int
	versionPrerelease string
	versionBuild      string
	name              sql.NullString
	loop              sql.NullString
	tags              pq.StringArray
	markers           pq.StringArray
	createdAt         sql.NullTime
	updatedAt         sql.NullTime
	linkedAt          []byte
	requiresRaw       [][]byte
	capabilitiesRaw   [][]byte
	data              []byte
}

// scanDest returns pointers to row's fields in the exact order
// schema.Columns() selects them. The two JSONB[] columns scan through
// pq.GenericArray, whose A must point at an addressable slice.
func (r *row) scanDest() []interface{} {
	return []interface{}{
		&r.id, &r.slug, &r.typ, &r.active,
		&r.versionMajor, &r.versionMinor, &r.versionPatch, &r.versionPrerelease, &r.versionBuild,
		&r.name, &r.loop, &r.tags, &r.markers,
		&r.createdAt, &r.updatedAt, &r.linkedAt,
		&pq.GenericArray{A: &r.requiresRaw}, &pq.GenericArray{A: &r.capabilitiesRaw},
		&r.data,
	}
}

// toContract decodes a scanned row into the uniform Contract type (spec
// §6 "Row schema"). Links are left empty here; the stream manager and
// query layer populate $$links-requested subtrees separately (the
// compiler's EXISTS-subquery strategy filters on link existence without
// reshaping rows — see pkg/schema/predicate.go compileLinks).
func (r *row) toContract() (*contracts.Contract, error) {
	c := &contracts.Contract{
		ID:      r.id,
		Slug:    r.slug,
		Type:    r.typ,
		Active:  r.active,
		Version: fmt.Sprintf("%d.%d.%d", r.versionMajor, r.versionMinor, r.versionPatch),
		Tags:    []string(r.tags),
		Markers: []string(r.markers),
		Links:   map[string][]*contracts.Contract{},
	}
	if r.versionPrerelease != "" {
		c.Version += "-" + r.versionPrerelease
	}
	if r.versionBuild != "" {
		c.Version += "+" + r.versionBuild
	}
	if r.name.Valid {
		c.Name = r.name.String
	}
	if r.loop.Valid {
		c.Loop = r.loop.String
	}
	if r.createdAt.Valid {
		c.CreatedAt = r.createdAt.Time
	}
	if r.updatedAt.Valid {
		c.UpdatedAt = r.updatedAt.Time
	}

	if len(r.linkedAt) > 0 {
		if err := json.Unmarshal(r.linkedAt, &c.LinkedAt); err != nil {
			return nil, fmt.Errorf("database: decode linked_at: %w", err)
		}
	}
	if c.LinkedAt == nil {
		c.LinkedAt = map[string]time.Time{}
	}

	c.Requires = decodeRawMessageArray(r.requiresRaw)
	c.Capabilities = decodeRawMessageArray(r.capabilitiesRaw)

	if len(r.data) > 0 {
		if err := json.Unmarshal(r.data, &c.Data); err != nil {
			return nil, fmt.Errorf("database: decode data: %w", err)
		}
	}
	if c.Data == nil {
		c.Data = map[string]interface{}{}
	}

	return c, nil
}

// decodeRawMessageArray converts the raw JSONB[] bytes pq.GenericArray
// scanned into r.requiresRaw/r.capabilitiesRaw into a RawMessage slice,
// leaving each element's JSON undecoded until a consumer needs it.
func decodeRawMessageArray(raw [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(raw))
	for _, v := range raw {
		out = append(out, json.RawMessage(v))
	}
	return out
}

// scanOne scans a single row and decodes it into a Contract.
func scanOne(rows *sql.Rows) (*contracts.Contract, error) {
	var r row
	if err := rows.Scan(r.scanDest()...); err != nil {
		return nil, fmt.Errorf("database: scan row: %w", err)
	}
	return r.toContract()
}

// scanAll drains rows, decoding each into a Contract.
func scanAll(rows *sql.Rows) ([]*contracts.Contract, error) {
	defer rows.Close()

	var out []*contracts.Contract
	for rows.Next() {
		c, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// selectColumnsSQL is the comma-joined physical column list, reusing the
// compiler's canonical ordering so codec and query compiler never drift.
func selectColumnsSQL(alias string) string {
	cols := schema.Columns()
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = fmt.Sprintf("%s.%s", alias, pq.QuoteIdentifier(col))
	}
	result := ""
	for i, c := range out {
		if i > 0 {
			result += ", "
		}
		result += c
	}
	return result
}

// plainColumnsSQL is the comma-joined column list with no table
// qualification, for contexts such as RETURNING where an alias isn't
// valid.
func plainColumnsSQL() string {
	cols := schema.Columns()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
	}
	return strings.Join(quoted, ", ")
}
