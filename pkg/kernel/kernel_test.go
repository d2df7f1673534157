package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/product-os/autumndb/pkg/authz"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/database"
	"github.com/product-os/autumndb/pkg/mutation"
	"github.com/product-os/autumndb/pkg/schema"
)

// fakeBackend satisfies the kernel's unexported backend interface with
// canned responses, letting the facade and its callers be exercised
// without a real Postgres connection.
type fakeBackend struct {
	bySlug    map[string]*contracts.Contract
	rows      []*contracts.Contract
	queryFunc func(q *schema.Query) ([]*contracts.Contract, error)
}

func (f *fakeBackend) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	return nil, nil
}
func (f *fakeBackend) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.bySlug[slugAtVersion], nil
}
func (f *fakeBackend) Insert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	return &c, nil
}
func (f *fakeBackend) Upsert(ctx context.Context, c contracts.Contract) (*contracts.Contract, error) {
	return &c, nil
}
func (f *fakeBackend) LockAndGetBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.bySlug[slugAtVersion], nil
}
func (f *fakeBackend) RecordLinkedAt(ctx context.Context, endpointID, verb string, at time.Time) error {
	return nil
}
func (f *fakeBackend) GetTypeContract(ctx context.Context, typeRef string) (*contracts.TypeContract, error) {
	return nil, nil
}
func (f *fakeBackend) OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error) {
	return nil, nil
}
func (f *fakeBackend) Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error) {
	if f.queryFunc != nil {
		return f.queryFunc(q)
	}
	return f.rows, nil
}
func (f *fakeBackend) Table() string { return "contracts" }
func (f *fakeBackend) HealthStatus(ctx context.Context) database.Status {
	return database.Status{}
}

// fakeCache is a pass-through frontCache that never actually caches,
// satisfying storeFacade's read-through contract without a real Redis.
type fakeCache struct{ backend *fakeBackend }

func (f *fakeCache) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	return f.backend.GetContractByID(ctx, id)
}
func (f *fakeCache) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.backend.GetContractBySlug(ctx, slugAtVersion)
}
func (f *fakeCache) Invalidate(ctx context.Context, id, slugAtVersion string) {}

func adminActor() *contracts.Contract {
	return &contracts.Contract{ID: "u1", Slug: "user-admin", Type: "user@1.0.0", Data: map[string]interface{}{}}
}

func newTestKernel(t *testing.T, be *fakeBackend) *Kernel {
	t.Helper()
	store := newStoreFacade(be, &fakeCache{backend: be})
	return &Kernel{
		store:             store,
		resolver:          authz.NewResolver(store, authz.DefaultIsAdmin),
		pipeline:          &mutation.Pipeline{Validator: schema.NewValidator()},
		maxTraversalDepth: 8,
	}
}

func TestMergeAuthSchemaMasksNestedLinkTargets(t *testing.T) {
	k := newTestKernel(t, &fakeBackend{})

	querySchema := map[string]interface{}{
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "card@1.0.0"},
		},
		"$$links": map[string]interface{}{
			"is attached to": map[string]interface{}{
				"properties": map[string]interface{}{
					"type": map[string]interface{}{"const": "message@1.0.0"},
				},
			},
		},
	}

	session := &contracts.Session{Actor: adminActor()}
	_, masked, err := k.mergeAuthSchema(context.Background(), session, querySchema)
	require.NoError(t, err)

	links := masked["$$links"].(map[string]interface{})
	verb := links["is attached to"].(map[string]interface{})
	require.Contains(t, verb, "allOf")
	allOf := verb["allOf"].([]interface{})
	require.Len(t, allOf, 2)
}

func TestMergeAuthSchemaWrapsCompileFormInAllOf(t *testing.T) {
	k := newTestKernel(t, &fakeBackend{})
	querySchema := map[string]interface{}{
		"properties": map[string]interface{}{"type": map[string]interface{}{"const": "card@1.0.0"}},
	}

	merged, masked, err := k.mergeAuthSchema(context.Background(), &contracts.Session{Actor: adminActor()}, querySchema)
	require.NoError(t, err)

	allOf, ok := merged["allOf"].([]interface{})
	require.True(t, ok)
	require.Len(t, allOf, 2)
	require.Equal(t, masked, allOf[0])
}

func TestFilterForSessionRejectsContractOutsideAuthSchema(t *testing.T) {
	be := &fakeBackend{
		bySlug: map[string]*contracts.Contract{
			"role-user-bob@1.0.0": {
				Type: "role@1.0.0",
				Slug: "role-user-bob",
				Data: map[string]interface{}{
					"read": map[string]interface{}{
						"properties": map[string]interface{}{
							"type": map[string]interface{}{"const": "card@1.0.0"},
						},
					},
				},
			},
		},
	}
	k := newTestKernel(t, be)
	session := &contracts.Session{Actor: &contracts.Contract{ID: "u2", Slug: "user-bob", Type: "user@1.0.0"}}

	disallowed := &contracts.Contract{ID: "c1", Slug: "secret-message", Type: "message@1.0.0", Data: map[string]interface{}{}}
	got, err := k.filterForSession(context.Background(), session, disallowed)
	require.NoError(t, err)
	require.Nil(t, got)

	allowed := &contracts.Contract{ID: "c2", Slug: "public-card", Type: "card@1.0.0", Data: map[string]interface{}{}}
	got, err = k.filterForSession(context.Background(), session, allowed)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "public-card", got.Slug)
}

func TestSplitSlugRef(t *testing.T) {
	slug, version := splitSlugRef("card-1@2.0.0")
	require.Equal(t, "card-1", slug)
	require.Equal(t, "2.0.0", version)

	slug, version = splitSlugRef("card-1")
	require.Equal(t, "card-1", slug)
	require.Equal(t, "", version)
}

func TestPopulateLinksAssignsEndpointsPerVerb(t *testing.T) {
	linkRow := &contracts.Contract{
		ID:   "l1",
		Type: contracts.LinkType,
		Data: map[string]interface{}{
			"name": "is attached to",
			"from": map[string]interface{}{"id": "parent-1"},
			"to":   map[string]interface{}{"id": "endpoint-1"},
		},
	}
	endpoint := &contracts.Contract{ID: "endpoint-1", Slug: "message-1", Type: "message@1.0.0"}

	// linkedEndpoints issues two queries per verb: first the raw
	// link@1.0.0 rows, then the masked endpoint lookup restricted to the
	// ids found. Distinguish them by inspecting the bound args rather
	// than call order, since the order is an implementation detail.
	be := &fakeBackend{}
	be.queryFunc = func(q *schema.Query) ([]*contracts.Contract, error) {
		for _, arg := range q.Args {
			if arg == contracts.LinkType {
				return []*contracts.Contract{linkRow}, nil
			}
		}
		return []*contracts.Contract{endpoint}, nil
	}

	k := newTestKernel(t, be)

	parent := &contracts.Contract{ID: "parent-1", Slug: "card-1", Type: "card@1.0.0"}
	schemaDoc := map[string]interface{}{
		"$$links": map[string]interface{}{
			"is attached to": map[string]interface{}{
				"properties": map[string]interface{}{"type": map[string]interface{}{"const": "message@1.0.0"}},
			},
		},
	}

	err := k.populateLinks(context.Background(), schemaDoc, []*contracts.Contract{parent})
	require.NoError(t, err)
	require.Len(t, parent.Links["is attached to"], 1)
	require.Equal(t, "endpoint-1", parent.Links["is attached to"][0].ID)
}
