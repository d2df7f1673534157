package kernel

import (
	"context"
	"time"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/database"
	"github.com/product-os/autumndb/pkg/schema"
)

// backend is the subset of *database.Backend the facade composes with the
// cache. Declared as an interface so tests can substitute a fake without
// standing up sqlmock.
type backend interface {
	GetContractByID(ctx context.Context, id string) (*contracts.Contract, error)
	GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	Insert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error)
	Upsert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error)
	LockAndGetBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	RecordLinkedAt(ctx context.Context, endpointID, verb string, at time.Time) error
	GetTypeContract(ctx context.Context, typeRef string) (*contracts.TypeContract, error)
	OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error)
	Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error)
	Table() string
	HealthStatus(ctx context.Context) database.Status
}

// frontCache is the subset of *cache.Cache the facade needs: read-through
// on the two point-lookup paths, explicit invalidation on every write so
// a reader never observes a cached row this process just replaced (the
// stream manager invalidates again on the change-notification that
// follows, covering writes made by *other* processes).
type frontCache interface {
	GetContractByID(ctx context.Context, id string) (*contracts.Contract, error)
	GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
	Invalidate(ctx context.Context, id, slugAtVersion string)
}

// storeFacade composes the relational backend and its optional read-
// through cache into the single surface mutation.Store, authz.Loader, and
// stream.QueryStore each need (spec §2 "Kernel facade": "compose the
// above; expose the public contract"). Point lookups route through the
// cache; every other operation, and every write's cache invalidation,
// talks to the backend directly.
type storeFacade struct {
	backend backend
	cache   frontCache
}

func newStoreFacade(b backend, c frontCache) *storeFacade {
	return &storeFacade{backend: b, cache: c}
}

func (f *storeFacade) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	return f.cache.GetContractByID(ctx, id)
}

func (f *storeFacade) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.cache.GetContractBySlug(ctx, slugAtVersion)
}

func (f *storeFacade) Insert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	inserted, err := f.backend.Insert(ctx, c)
	if err != nil {
		return nil, err
	}
	f.cache.Invalidate(ctx, inserted.ID, inserted.Slug+"@"+inserted.Version)
	return inserted, nil
}

func (f *storeFacade) Upsert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	upserted, err := f.backend.Upsert(ctx, c)
	if err != nil {
		return nil, err
	}
	f.cache.Invalidate(ctx, upserted.ID, upserted.Slug+"@"+upserted.Version)
	return upserted, nil
}

func (f *storeFacade) LockAndGetBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.backend.LockAndGetBySlug(ctx, slugAtVersion)
}

func (f *storeFacade) RecordLinkedAt(ctx context.Context, endpointID, verb string, at time.Time) error {
	if err := f.backend.RecordLinkedAt(ctx, endpointID, verb, at); err != nil {
		return err
	}
	f.cache.Invalidate(ctx, endpointID, "")
	return nil
}

func (f *storeFacade) GetTypeContract(ctx context.Context, typeRef string) (*contracts.TypeContract, error) {
	return f.backend.GetTypeContract(ctx, typeRef)
}

func (f *storeFacade) OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error) {
	return f.backend.OrgSlugsForActor(ctx, actorSlug)
}

func (f *storeFacade) Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error) {
	return f.backend.Query(ctx, q)
}

func (f *storeFacade) Table() string {
	return f.backend.Table()
}
