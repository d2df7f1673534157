package schema

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// selectedColumns are every physical column projected for a contract row
// (spec §6 "Row schema"); the row codec assembles a Contract from these.
var selectedColumns = []string{
	"id", "slug", "type", "active",
	"version_major", "version_minor", "version_patch", "version_prerelease", "version_build",
	"name", "loop", "tags", "markers",
	"created_at", "updated_at", "linked_at", "requires", "capabilities", "data",
}

// Columns returns the physical row columns in the fixed order the row
// codec expects them in a SELECT (spec §6 "Row schema").
func Columns() []string {
	return append([]string(nil), selectedColumns...)
}

// Query is a fully compiled parameterized SQL statement ready to execute.
type Query struct {
	SQL  string
	Args []interface{}
}

// Compile translates schema + options into a parameterized SELECT over
// table (spec §4.1). schema is expected to already be the caller's query
// schema merged (allOf) with the authorization read schema.
func Compile(table string, schema map[string]interface{}, opts Options, maxTraversalDepth int) (*Query, error) {
	validated, err := opts.Validated()
	if err != nil {
		return nil, err
	}

	c := NewCompiler(table, maxTraversalDepth)
	alias := "t"
	where, err := c.CompilePredicate(schema, rootPath(alias), 0)
	if err != nil {
		return nil, err
	}

	sql := buildSelect(table, alias, where, validated, c)
	return &Query{SQL: sql, Args: c.Args()}, nil
}

// CompilePrepared compiles the stream-variant single-row form used by the
// stream manager to re-match a changed id against a subscription's schema
// (spec §4.1 "Stream-variant"): it selects exactly one contract by id
// while still carrying the same schema's predicate, so a row that no
// longer satisfies the schema legitimately returns zero rows.
func CompilePrepared(table string, schema map[string]interface{}, id string, maxTraversalDepth int) (*Query, error) {
	c := NewCompiler(table, maxTraversalDepth)
	alias := "t"
	where, err := c.CompilePredicate(schema, rootPath(alias), 0)
	if err != nil {
		return nil, err
	}

	idPlaceholder := c.bind(id)
	cols := qualifiedColumns(alias)
	sql := fmt.Sprintf(
		"SELECT %s FROM %s %s WHERE %s.id = %s AND %s",
		strings.Join(cols, ", "), pq.QuoteIdentifier(table), alias, alias, idPlaceholder, where,
	)
	return &Query{SQL: sql, Args: c.Args()}, nil
}

func buildSelect(table, alias, where string, opts Options, c *Compiler) string {
	cols := qualifiedColumns(alias)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s %s WHERE %s", strings.Join(cols, ", "), pq.QuoteIdentifier(table), alias, where)

	if len(opts.SortBy) > 0 {
		orderExprs := make([]string, 0, len(opts.SortBy))
		for _, path := range opts.SortBy {
			_, expr, _, err := rootPath(alias).descend(c, path)
			if err != nil {
				continue
			}
			orderExprs = append(orderExprs, expr)
		}
		if len(orderExprs) > 0 {
			fmt.Fprintf(&b, " ORDER BY %s %s", strings.Join(orderExprs, ", "), strings.ToUpper(opts.SortDir))
		}
	} else {
		fmt.Fprintf(&b, " ORDER BY %s.created_at DESC", alias)
	}

	fmt.Fprintf(&b, " LIMIT %s OFFSET %s", c.bind(opts.Limit), c.bind(opts.Skip))

	return b.String()
}

func qualifiedColumns(alias string) []string {
	cols := make([]string, len(selectedColumns))
	for i, col := range selectedColumns {
		cols[i] = fmt.Sprintf("%s.%s", alias, pq.QuoteIdentifier(col))
	}
	return cols
}
