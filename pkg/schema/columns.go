// Package schema compiles a select-map + JSON-schema pair into a
// parameterized SQL query (spec §4.1), and validates contracts against
// compiled JSON schemas (type gate and permission gate, spec §4.2).
package schema

import "strings"

// topLevelColumns are the contract fields stored as native relational
// columns rather than beneath the data JSONB blob (spec §4.1, §6 "Row
// schema"). A schema path resolving to one of these becomes a column
// reference; everything else becomes a JSON-path accessor into data.
var topLevelColumns = map[string]string{
	"id":         "id",
	"slug":       "slug",
	"type":       "type",
	"active":     "active",
	"name":       "name",
	"loop":       "loop",
	"tags":       "tags",
	"markers":    "markers",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"linked_at":  "linked_at",
	"version":    "version_major", // bare "version" compares against the major component; see versionColumns and ColumnFor.
}

// versionColumns are the decomposed columns backing the version field.
var versionColumns = map[string]string{
	"major":      "version_major",
	"minor":      "version_minor",
	"patch":      "version_patch",
	"prerelease": "version_prerelease",
	"build":      "version_build",
}

// IsTopLevelColumn reports whether path's first segment names a known
// top-level column.
func IsTopLevelColumn(path string) bool {
	head, _, _ := strings.Cut(path, ".")
	if head == "version" {
		return true
	}
	_, ok := topLevelColumns[head]
	return ok
}

// ColumnFor resolves a dotted schema path rooted at a top-level field
// (e.g. "version.major") to its physical column name. It does not handle
// data/links paths; callers must route those through JSON-path compilation.
func ColumnFor(path string) (string, bool) {
	head, rest, hasRest := strings.Cut(path, ".")
	if head == "version" {
		if !hasRest {
			return "version_major", true
		}
		col, ok := versionColumns[rest]
		return col, ok
	}
	col, ok := topLevelColumns[head]
	return col, ok
}
