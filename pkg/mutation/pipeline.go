// Package mutation implements the insert/replace/patch pipeline (spec
// §4.3): validating a candidate contract against its type schema and the
// caller's authorization read schema in a single step, and materializing
// link side-effects.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/product-os/autumndb/pkg/authz"
	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// TypeLoader resolves a type-contract by its <slug>@<version> reference.
type TypeLoader interface {
	GetTypeContract(ctx context.Context, typeRef string) (*contracts.TypeContract, error)
}

// Store is the persistence surface the pipeline mutates through. The
// kernel supplies an implementation backed by pkg/database.
type Store interface {
	GetContractByID(ctx context.Context, id string) (*contracts.Contract, error)
	GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	Insert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error)
	Upsert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error)
	LockAndGetBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	RecordLinkedAt(ctx context.Context, endpointID, verb string, at time.Time) error
}

// Relationships supplies the in-memory relationship snapshot used to
// validate link insertions (spec §3 "Relationship").
type Relationships interface {
	Find(fromType, name, toType string) *contracts.Relationship
}

// Pipeline composes the components the spec names for §4.3: type gate,
// permission gate, link validation.
type Pipeline struct {
	Types         TypeLoader
	Store         Store
	Resolver      *authz.Resolver
	Relationships Relationships
	Validator     *schema.Validator
	Now           func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Insert implements spec §4.3 "Insert".
func (p *Pipeline) Insert(ctx context.Context, session *contracts.Session, partial contracts.Contract) (*contracts.Contract, error) {
	if partial.Type == "" {
		return nil, autumndberrors.New(autumndberrors.CodeInvalidSchema, "insert requires a type")
	}

	candidate := contracts.Defaults(partial, p.now())

	authSchema, err := p.gate(ctx, session, &candidate)
	if err != nil {
		return nil, err
	}

	if candidate.Type == contracts.LinkType {
		if err := p.validateLink(ctx, &candidate, authSchema); err != nil {
			return nil, err
		}
	}
	if err := p.validateLoop(ctx, &candidate); err != nil {
		return nil, err
	}

	inserted, err := p.Store.Insert(ctx, candidate)
	if err != nil {
		return nil, err
	}

	if inserted.Type == contracts.LinkType {
		if err := p.materializeLinkedAt(ctx, inserted); err != nil {
			return nil, err
		}
	}

	return inserted, nil
}

// Replace implements spec §4.3 "Replace": id, created_at, links, linked_at
// are preserved from the existing row regardless of the request body.
func (p *Pipeline) Replace(ctx context.Context, session *contracts.Session, partial contracts.Contract) (*contracts.Contract, error) {
	if partial.Type == "" || (partial.Slug == "" && partial.ID == "") {
		return nil, autumndberrors.New(autumndberrors.CodeInvalidSchema, "replace requires type and (slug|id)")
	}

	var existing *contracts.Contract
	var err error
	if partial.ID != "" {
		existing, err = p.Store.GetContractByID(ctx, partial.ID)
	} else {
		existing, err = p.Store.GetContractBySlug(ctx, fmt.Sprintf("%s@%s", partial.Slug, orLatest(partial.Version)))
	}
	if err != nil {
		return nil, err
	}

	candidate := contracts.Defaults(partial, p.now())
	loopChanged := true
	if existing != nil {
		candidate.ID = existing.ID
		candidate.CreatedAt = existing.CreatedAt
		candidate.Links = existing.Links
		candidate.LinkedAt = existing.LinkedAt
		loopChanged = candidate.Loop != existing.Loop
	}

	if _, err := p.gate(ctx, session, &candidate); err != nil {
		return nil, err
	}
	if loopChanged {
		if err := p.validateLoop(ctx, &candidate); err != nil {
			return nil, err
		}
	}

	return p.Store.Upsert(ctx, candidate)
}

func orLatest(version string) string {
	if version == "" {
		return "latest"
	}
	return version
}

// gate runs the type gate and the permission gate against candidate (spec
// §4.2 "Mutation gate"), returning the session's effective read schema so
// callers performing additional link/loop validation don't re-resolve it.
func (p *Pipeline) gate(ctx context.Context, session *contracts.Session, candidate *contracts.Contract) (map[string]interface{}, error) {
	typeContract, err := p.Types.GetTypeContract(ctx, candidate.Type)
	if err != nil {
		return nil, err
	}
	if typeContract == nil {
		return nil, autumndberrors.Newf(autumndberrors.CodeUnknownType, "unknown type %q", candidate.Type)
	}

	if err := p.Validator.Validate(typeContract.Schema, candidate.Data); err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeSchemaMismatch, "data does not satisfy the type schema", err)
	}

	authSchema, err := p.Resolver.Resolve(ctx, session)
	if err != nil {
		return nil, err
	}

	doc, err := toMap(candidate)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(authSchema)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal auth schema: %w", err)
	}
	if err := p.Validator.Validate(raw, doc); err != nil {
		return nil, autumndberrors.New(autumndberrors.CodePermission, "session is not permitted to write this contract")
	}

	return authSchema, nil
}

// loopTypePrefix is the type every loop-contract carries, independent of
// version (spec §3 "loop must resolve to a loop-contract if set").
const loopTypePrefix = "loop@"

// validateLoop implements spec §4.3 step 9: if loop is set, it must
// resolve to an existing loop-contract.
func (p *Pipeline) validateLoop(ctx context.Context, candidate *contracts.Contract) error {
	if candidate.Loop == "" {
		return nil
	}
	loopContract, err := p.Store.GetContractBySlug(ctx, candidate.Loop)
	if err != nil {
		return err
	}
	if loopContract == nil || !strings.HasPrefix(loopContract.Type, loopTypePrefix) {
		return autumndberrors.Newf(autumndberrors.CodeInvalidSchema, "loop %q does not resolve to a loop-contract", candidate.Loop)
	}
	return nil
}

func toMap(c *contracts.Contract) (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal candidate: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal candidate: %w", err)
	}
	return m, nil
}
