package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/product-os/autumndb/pkg/canonicalize"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// Patch implements the §4.3 patch algorithm:
//
//  1. row-lock the current contract by slug+version
//  2. resolve the session's authorization schema
//  3. decode the RFC 6902 patch, discarding any op targeting an immutable
//     path (spec §3 ImmutablePaths); if no op remains, return the current
//     contract unchanged
//  4. apply the ops to the full row and bail out as a no-op if the result
//     canonicalizes identically to the current contract
//  5. apply the same ops to the caller's filtered (authorized) view and
//     validate the result against the session's authorized schema
//  6. run the type and permission gate on the patched full row
//  7. resolve the loop reference, if it changed, before persisting
//  8. upsert the merged document
func (p *Pipeline) Patch(ctx context.Context, session *contracts.Session, slug, version string, rawOps []byte) (*contracts.Contract, error) {
	ref := slug
	if version != "" {
		ref = fmt.Sprintf("%s@%s", slug, version)
	}

	current, err := p.Store.LockAndGetBySlug(ctx, ref)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, autumndberrors.Newf(autumndberrors.CodeNoElement, "no such contract %q", ref)
	}

	authSchema, err := p.Resolver.Resolve(ctx, session)
	if err != nil {
		return nil, err
	}

	ops, err := decodeOps(rawOps)
	if err != nil {
		return nil, err
	}
	filteredOps := filterImmutableOps(ops)
	if len(filteredOps) == 0 {
		return current, nil
	}
	patchDoc, err := json.Marshal(filteredOps)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal filtered ops: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeInvalidPatch, "malformed JSON-Patch document", err)
	}

	fullBefore, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal current contract: %w", err)
	}
	fullAfter, err := patch.Apply(fullBefore)
	if err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeInvalidPatch, "patch does not apply", err)
	}

	var candidate contracts.Contract
	if err := json.Unmarshal(fullAfter, &candidate); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal patched contract: %w", err)
	}
	candidate.ID = current.ID
	candidate.CreatedAt = current.CreatedAt
	candidate.Links = current.Links
	candidate.LinkedAt = current.LinkedAt

	equal, err := canonicalize.Equal(current, &candidate)
	if err != nil {
		return nil, fmt.Errorf("mutation: compare canonical forms: %w", err)
	}
	if equal {
		return current, nil
	}
	candidate.UpdatedAt = p.now()

	filteredBefore, err := pruneToFilteredView(current, authSchema)
	if err != nil {
		return nil, err
	}
	filteredAfter, err := patch.Apply(filteredBefore)
	if err != nil {
		return nil, autumndberrors.New(autumndberrors.CodeSchemaMismatch,
			"patch touches a field outside the session's authorized view")
	}
	var filteredDoc map[string]interface{}
	if err := json.Unmarshal(filteredAfter, &filteredDoc); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal filtered patched contract: %w", err)
	}
	raw, err := json.Marshal(authSchema)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal auth schema: %w", err)
	}
	if err := p.Validator.Validate(raw, filteredDoc); err != nil {
		return nil, autumndberrors.New(autumndberrors.CodeSchemaMismatch,
			"patched contract is not permitted by the session's authorized schema")
	}

	if _, err := p.gate(ctx, session, &candidate); err != nil {
		return nil, err
	}
	if candidate.Loop != current.Loop {
		if err := p.validateLoop(ctx, &candidate); err != nil {
			return nil, err
		}
	}

	return p.Store.Upsert(ctx, candidate)
}

func decodeOps(rawOps []byte) ([]map[string]interface{}, error) {
	var ops []map[string]interface{}
	if err := json.Unmarshal(rawOps, &ops); err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeInvalidPatch, "patch is not a JSON array of operations", err)
	}
	return ops, nil
}

// filterImmutableOps discards operations whose path (or, for "move"/"copy",
// whose "from") falls under an immutable path (spec §3 ImmutablePaths,
// §4.3 step 5).
func filterImmutableOps(ops []map[string]interface{}) []map[string]interface{} {
	filtered := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		path, _ := op["path"].(string)
		from, _ := op["from"].(string)
		if isImmutable(path) || isImmutable(from) {
			continue
		}
		filtered = append(filtered, op)
	}
	return filtered
}

func isImmutable(path string) bool {
	if path == "" {
		return false
	}
	for prefix := range contracts.ImmutablePaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// pruneToFilteredView re-marshals a contract and strips it down to the
// fields the select-map derived from authSchema would expose, giving the
// patch a document shaped like what the session is actually allowed to
// see (spec §4.3 step 2).
func pruneToFilteredView(c *contracts.Contract, authSchema map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal contract for filtered view: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal contract for filtered view: %w", err)
	}

	sm := schema.Derive(authSchema)
	if len(sm) == 0 {
		return json.Marshal(doc)
	}
	return json.Marshal(schema.Project(doc, sm))
}
