// Package authz computes the effective read schema a session is bound to
// and enforces it against query and mutation schemas (spec §4.2).
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/product-os/autumndb/pkg/contracts"
)

// Loader resolves the contracts the resolver needs beyond the session
// itself. The kernel supplies an implementation backed by the relational
// backend (and its cache); authz never talks to storage directly.
type Loader interface {
	GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error)
}

// IsAdminFunc decides whether an actor is the built-in admin and so
// bypasses marker checks entirely.
type IsAdminFunc func(actor *contracts.Contract) bool

// DefaultIsAdmin preserves the historical hardcoded admin slug check
// (spec §9 Open Question a); callers wanting a different predicate should
// supply their own IsAdminFunc to the Resolver.
func DefaultIsAdmin(actor *contracts.Contract) bool {
	return actor != nil && actor.Slug == "user-admin"
}

// Resolver computes effective read schemas per spec §4.2.
type Resolver struct {
	loader  Loader
	isAdmin IsAdminFunc
	evalCEL *celEvaluator
}

// NewResolver builds a Resolver. A nil isAdmin falls back to DefaultIsAdmin.
func NewResolver(loader Loader, isAdmin IsAdminFunc) *Resolver {
	if isAdmin == nil {
		isAdmin = DefaultIsAdmin
	}
	return &Resolver{loader: loader, isAdmin: isAdmin, evalCEL: newCELEvaluator()}
}

// matchNothing is the schema substituted when no role matched: {not: {}}
// is unsatisfiable since the empty schema {} matches every instance.
var matchNothing = map[string]interface{}{"not": map[string]interface{}{}}

// matchEverything is the trivially-true schema.
var matchEverything = map[string]interface{}{}

// Resolve produces the single JSON schema that every query and mutation
// for session must be conjoined with before compilation or validation.
func (r *Resolver) Resolve(ctx context.Context, session *contracts.Session) (map[string]interface{}, error) {
	roleSchema, err := r.roleSchema(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("authz: role schema: %w", err)
	}

	markerSchema, err := r.markerSchema(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("authz: marker schema: %w", err)
	}

	clauses := []interface{}{roleSchema, markerSchema}
	if session.HasScope() {
		var scope map[string]interface{}
		if err := json.Unmarshal(session.Scope, &scope); err != nil {
			return nil, fmt.Errorf("authz: invalid session scope: %w", err)
		}
		clauses = append(clauses, scope)
	}

	return map[string]interface{}{"allOf": clauses}, nil
}

// roleSchema implements spec §4.2 step 1.
func (r *Resolver) roleSchema(ctx context.Context, session *contracts.Session) (map[string]interface{}, error) {
	var matched []interface{}

	for _, slug := range session.RoleSlugs() {
		roleRef := contracts.RoleSlugFor(slug) + "@1.0.0"
		roleContract, err := r.loader.GetContractBySlug(ctx, roleRef)
		if err != nil {
			return nil, err
		}
		if roleContract == nil {
			continue
		}
		role, err := contracts.AsRole(roleContract)
		if err != nil {
			continue
		}

		var clause map[string]interface{}
		if err := json.Unmarshal(role.Read, &clause); err != nil {
			return nil, fmt.Errorf("role %s: %w", role.Slug, err)
		}
		resolved, err := r.evalCEL.resolve(clause, session.Actor)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role.Slug, err)
		}
		matched = append(matched, resolved)
	}

	if len(matched) == 0 {
		return matchNothing, nil
	}
	return map[string]interface{}{"anyOf": matched}, nil
}

// markerSchema implements spec §4.2 step 2.
func (r *Resolver) markerSchema(ctx context.Context, session *contracts.Session) (map[string]interface{}, error) {
	if session == nil || session.Actor == nil {
		return matchNothing, nil
	}
	if r.isAdmin(session.Actor) {
		return matchEverything, nil
	}

	orgSlugs, err := r.loader.OrgSlugsForActor(ctx, session.Actor.Slug)
	if err != nil {
		return nil, err
	}

	markers := append([]string{session.Actor.Slug}, orgSlugs...)
	enumValues := make([]interface{}, len(markers))
	for i, m := range markers {
		enumValues[i] = m
	}

	escaped := make([]string, len(markers))
	for i, m := range markers {
		escaped[i] = regexp.QuoteMeta(m)
	}
	pattern := fmt.Sprintf(`(^|\+)(%s)($|\+)`, strings.Join(escaped, "|"))

	return map[string]interface{}{
		"properties": map[string]interface{}{
			"markers": map[string]interface{}{
				"anyOf": []interface{}{
					map[string]interface{}{"maxItems": 0},
					map[string]interface{}{
						"items": map[string]interface{}{
							"anyOf": []interface{}{
								map[string]interface{}{"enum": enumValues},
								map[string]interface{}{"pattern": pattern},
							},
						},
					},
				},
			},
		},
	}, nil
}
