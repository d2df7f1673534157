package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/product-os/autumndb/pkg/autumndberrors"
)

// Compiler accumulates parameterized SQL fragments and their bound
// arguments while walking a JSON schema (spec §4.1). A Compiler is not
// safe for concurrent use; callers construct one per compilation.
type Compiler struct {
	table             string
	maxTraversalDepth int
	args              []interface{}
	aliasSeq          int
}

// NewCompiler builds a Compiler targeting table, bounding $$links
// recursion at maxTraversalDepth (spec §9 "Cyclic references"; 0 selects
// the recommended default of 8).
func NewCompiler(table string, maxTraversalDepth int) *Compiler {
	if maxTraversalDepth <= 0 {
		maxTraversalDepth = 8
	}
	return &Compiler{table: table, maxTraversalDepth: maxTraversalDepth}
}

// Args returns every value bound so far, in $1.. order.
func (c *Compiler) Args() []interface{} {
	return c.args
}

func (c *Compiler) bind(v interface{}) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *Compiler) nextAlias(prefix string) string {
	c.aliasSeq++
	return fmt.Sprintf("%s%d", prefix, c.aliasSeq)
}

// fieldPath tracks where the walk currently sits relative to the
// top-level contract row: either still among the native columns, or
// beneath the "data" JSONB blob accumulating a dotted path. Every property
// access resolves through here so that "data.status.current" compiles to
// a single jsonb_extract_path with the whole path, not three nested ones.
type fieldPath struct {
	alias    string
	inData   bool
	segments []string
}

func rootPath(alias string) fieldPath {
	return fieldPath{alias: alias}
}

// descend resolves field beneath p, returning the new path context and
// the SQL expression + JSON-ness for field itself. Any top-level property
// that is neither a known column nor "data" is rejected as a compile
// error (spec §4.1 "Determinism and safety") rather than silently
// becoming a column reference a caller could abuse.
func (p fieldPath) descend(c *Compiler, field string) (fieldPath, string, bool, error) {
	if !p.inData {
		if col, ok := ColumnFor(field); ok {
			return fieldPath{alias: p.alias}, fmt.Sprintf("%s.%s", p.alias, pq.QuoteIdentifier(col)), false, nil
		}
		if field == "data" {
			next := fieldPath{alias: p.alias, inData: true}
			return next, fmt.Sprintf("%s.%s", p.alias, pq.QuoteIdentifier("data")), true, nil
		}
		return p, "", false, autumndberrors.Newf(autumndberrors.CodeInvalidSchema, "unknown top-level property %q cannot be compiled", field)
	}

	segments := append(append([]string{}, p.segments...), field)
	next := fieldPath{alias: p.alias, inData: true, segments: segments}
	expr := fmt.Sprintf("%s.data#>>%s", p.alias, c.bind(pq.Array(segments)))
	return next, expr, true, nil
}

// CompilePredicate compiles node (a JSON-schema object) into a SQL boolean
// expression relative to p, recursing through combinators and $$links. An
// empty/nil node is unconstrained and compiles to "TRUE".
func (c *Compiler) CompilePredicate(node map[string]interface{}, p fieldPath, depth int) (string, error) {
	if len(node) == 0 {
		return "TRUE", nil
	}

	var clauses []string

	if links, ok := node["$$links"].(map[string]interface{}); ok {
		if p.inData {
			return "", autumndberrors.New(autumndberrors.CodeInvalidSchema, "$$links is only valid at the contract root")
		}
		clause, err := c.compileLinks(links, p.alias, depth)
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	if props, ok := node["properties"].(map[string]interface{}); ok {
		clause, err := c.compileProperties(props, p, depth)
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	if required, ok := asStringList(node["required"]); ok {
		clause, err := c.compileRequired(required, p)
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	for _, key := range []string{"allOf", "anyOf", "oneOf"} {
		if list, ok := asObjectList(node[key]); ok {
			clause, err := c.compileCombinator(key, list, p, depth)
			if err != nil {
				return "", err
			}
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
	}

	if not, ok := node["not"].(map[string]interface{}); ok {
		inner, err := c.CompilePredicate(not, p, depth)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, fmt.Sprintf("NOT (%s)", inner))
	}

	// additionalProperties: false has no SQL effect (spec §4.1); it is
	// enforced by the row codec projecting only listed properties.

	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

// CompileFieldPredicate compiles the leaf keywords (const, enum, type,
// pattern, minItems/maxItems, items, contains, fullTextSearch) that apply
// to a single field expression.
func (c *Compiler) CompileFieldPredicate(node map[string]interface{}, expr string, isJSONPath bool) (string, error) {
	var clauses []string

	if v, ok := node["const"]; ok {
		clauses = append(clauses, fmt.Sprintf("%s = %s", expr, c.bindScalar(v, isJSONPath)))
	}

	if enum, ok := node["enum"].([]interface{}); ok && len(enum) > 0 {
		placeholders := make([]string, len(enum))
		for i, v := range enum {
			placeholders[i] = c.bindScalar(v, isJSONPath)
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", expr, strings.Join(placeholders, ", ")))
	}

	if typ, ok := node["type"].(string); ok {
		clause, err := compileTypeCheck(expr, typ, isJSONPath)
		if err != nil {
			return "", err
		}
		if clause != "TRUE" {
			clauses = append(clauses, clause)
		}
	}

	if pattern, ok := firstString(node, "pattern", "regexp"); ok {
		if _, err := regexp.Compile(pattern); err != nil {
			return "", autumndberrors.Newf(autumndberrors.CodeInvalidRegex, "invalid regex %q: %v", pattern, err)
		}
		clauses = append(clauses, fmt.Sprintf("%s ~ %s", expr, c.bind(pattern)))
	}

	if min, ok := asInt(node["minItems"]); ok {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", arrayLengthExpr(expr, isJSONPath), c.bind(min)))
	}
	if max, ok := asInt(node["maxItems"]); ok {
		clauses = append(clauses, fmt.Sprintf("%s <= %s", arrayLengthExpr(expr, isJSONPath), c.bind(max)))
	}

	if items, ok := node["items"].(map[string]interface{}); ok {
		clause, err := c.CompileFieldPredicate(items, "elem.value", true)
		if err != nil {
			return "", err
		}
		if clause != "TRUE" {
			clauses = append(clauses, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s AS elem WHERE NOT (%s))", arrayUnnestExpr(expr, isJSONPath), clause))
		}
	}

	if contains, ok := node["contains"].(map[string]interface{}); ok {
		clause, err := c.CompileFieldPredicate(contains, "elem.value", true)
		if err != nil {
			return "", err
		}
		if clause != "TRUE" {
			clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS elem WHERE %s)", arrayUnnestExpr(expr, isJSONPath), clause))
		}
	}

	if fts, ok := node["fullTextSearch"].(map[string]interface{}); ok {
		term, _ := fts["term"].(string)
		clauses = append(clauses, fmt.Sprintf("to_tsvector('english', %s) @@ plainto_tsquery('english', %s)", expr, c.bind(term)))
	}

	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *Compiler) compileProperties(props map[string]interface{}, p fieldPath, depth int) (string, error) {
	var clauses []string
	for field, raw := range props {
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		nextPath, expr, isJSON, err := p.descend(c, field)
		if err != nil {
			return "", err
		}

		nested, err := c.CompilePredicate(sub, nextPath, depth)
		if err != nil {
			return "", fmt.Errorf("properties.%s: %w", field, err)
		}
		if nested != "TRUE" {
			clauses = append(clauses, nested)
		}

		leaf, err := c.CompileFieldPredicate(sub, expr, isJSON)
		if err != nil {
			return "", fmt.Errorf("properties.%s: %w", field, err)
		}
		if leaf != "TRUE" {
			clauses = append(clauses, leaf)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *Compiler) compileRequired(fields []string, p fieldPath) (string, error) {
	var clauses []string
	for _, field := range fields {
		_, expr, _, err := p.descend(c, field)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, fmt.Sprintf("%s IS NOT NULL", expr))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *Compiler) compileCombinator(kind string, list []map[string]interface{}, p fieldPath, depth int) (string, error) {
	var parts []string
	for _, sub := range list {
		clause, err := c.CompilePredicate(sub, p, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	if len(parts) == 0 {
		return "", nil
	}
	switch kind {
	case "allOf":
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case "anyOf":
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case "oneOf":
		// oneOf expands to anyOf plus an exclusivity clause (spec §4.1):
		// at least one matches, and no two match simultaneously.
		any := "(" + strings.Join(parts, " OR ") + ")"
		var exclusivity []string
		for i := range parts {
			for j := i + 1; j < len(parts); j++ {
				exclusivity = append(exclusivity, fmt.Sprintf("NOT (%s AND %s)", parts[i], parts[j]))
			}
		}
		if len(exclusivity) == 0 {
			return any, nil
		}
		return "(" + any + " AND " + strings.Join(exclusivity, " AND ") + ")", nil
	}
	return "", fmt.Errorf("unknown combinator %q", kind)
}

// linkType is the fixed type every link-contract carries (mirrors
// contracts.LinkType; duplicated here rather than imported to keep this
// package's only dependency on the data model a string literal).
const linkType = "link@1.0.0"

// compileLinks translates every $$links[verb] entry into an EXISTS
// correlated subquery over the contracts table itself: a link is just a
// contract of type link@1.0.0 whose data.from.id/data.to.id name its
// endpoints (spec §3 "Link"), so the "join" is the same table twice, not
// a separate links table. Filtering this way is semantically equivalent
// to an inner join for WHERE-clause purposes; populating the returned
// contract's `links` subtree is handled by a separate resolution pass
// over the matched ids (see populateLinks in pkg/kernel), since a single aggregate join
// would need to reshape N nested rows per parent row regardless.
func (c *Compiler) compileLinks(links map[string]interface{}, alias string, depth int) (string, error) {
	if depth >= c.maxTraversalDepth {
		return "", autumndberrors.Newf(autumndberrors.CodeInvalidSchema, "$$links traversal exceeds max depth %d", c.maxTraversalDepth)
	}

	var clauses []string
	for verb, raw := range links {
		target, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		linkAlias := c.nextAlias("lnk")
		endpointAlias := c.nextAlias("ep")

		endpointPredicate, err := c.CompilePredicate(target, rootPath(endpointAlias), depth+1)
		if err != nil {
			return "", fmt.Errorf("$$links[%q]: %w", verb, err)
		}

		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s %s JOIN %s %s ON %s.id = (%s.data->'to'->>'id')::uuid `+
				`WHERE %s.type = %s AND (%s.data->'from'->>'id')::uuid = %s.id AND %s.data->>'name' = %s AND %s)`,
			pq.QuoteIdentifier(c.table), linkAlias, pq.QuoteIdentifier(c.table), endpointAlias,
			endpointAlias, linkAlias,
			linkAlias, c.bind(linkType),
			linkAlias, alias,
			linkAlias, c.bind(verb),
			endpointPredicate,
		))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *Compiler) bindScalar(v interface{}, isJSONPath bool) string {
	if isJSONPath {
		return c.bind(fmt.Sprintf("%v", v))
	}
	return c.bind(v)
}

func compileTypeCheck(expr, typ string, isJSONPath bool) (string, error) {
	if !isJSONPath {
		// Native columns are already typed by the schema; no runtime check
		// needed beyond what the column type itself enforces.
		return "TRUE", nil
	}
	switch typ {
	case "string":
		return fmt.Sprintf("jsonb_typeof(%s::jsonb) = 'string'", expr), nil
	case "number", "integer":
		return fmt.Sprintf("jsonb_typeof(%s::jsonb) = 'number'", expr), nil
	case "boolean":
		return fmt.Sprintf("jsonb_typeof(%s::jsonb) = 'boolean'", expr), nil
	case "object":
		return fmt.Sprintf("jsonb_typeof(%s::jsonb) = 'object'", expr), nil
	case "array":
		return fmt.Sprintf("jsonb_typeof(%s::jsonb) = 'array'", expr), nil
	case "null":
		return fmt.Sprintf("%s IS NULL", expr), nil
	default:
		return "", autumndberrors.Newf(autumndberrors.CodeInvalidSchema, "unknown type keyword %q", typ)
	}
}

func arrayLengthExpr(expr string, isJSONPath bool) string {
	if isJSONPath {
		return fmt.Sprintf("jsonb_array_length(%s::jsonb)", expr)
	}
	return fmt.Sprintf("array_length(%s, 1)", expr)
}

func arrayUnnestExpr(expr string, isJSONPath bool) string {
	if isJSONPath {
		return fmt.Sprintf("jsonb_array_elements_text(%s::jsonb)", expr)
	}
	return fmt.Sprintf("unnest(%s)", expr)
}

func asStringList(v interface{}) ([]string, bool) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func asObjectList(v interface{}) ([]map[string]interface{}, bool) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, true
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func firstString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s, true
		}
	}
	return "", false
}
