package authz_test

import (
	"context"
	"testing"

	"github.com/product-os/autumndb/pkg/authz"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	contractsBySlug map[string]*contracts.Contract
	orgsByActor     map[string][]string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		contractsBySlug: map[string]*contracts.Contract{},
		orgsByActor:     map[string][]string{},
	}
}

func (f *fakeLoader) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	return f.contractsBySlug[slugAtVersion], nil
}

func (f *fakeLoader) OrgSlugsForActor(ctx context.Context, actorSlug string) ([]string, error) {
	return f.orgsByActor[actorSlug], nil
}

func roleContract(slug string, read map[string]interface{}) *contracts.Contract {
	return &contracts.Contract{
		Slug: slug,
		Type: contracts.RoleTypeSuffix,
		Data: map[string]interface{}{"read": read},
	}
}

func TestResolveNoMatchingRoleYieldsMatchNothing(t *testing.T) {
	loader := newFakeLoader()
	resolver := authz.NewResolver(loader, nil)

	session := &contracts.Session{Actor: &contracts.Contract{Slug: "user-nobody"}}
	schema, err := resolver.Resolve(context.Background(), session)
	require.NoError(t, err)

	allOf, ok := schema["allOf"].([]interface{})
	require.True(t, ok)
	require.Contains(t, allOf, map[string]interface{}{"not": map[string]interface{}{}})
}

func TestResolveCombinesMatchingRoles(t *testing.T) {
	loader := newFakeLoader()
	loader.contractsBySlug["role-user-jsmith@1.0.0"] = roleContract("role-user-jsmith",
		map[string]interface{}{"properties": map[string]interface{}{"type": map[string]interface{}{"const": "user@1.0.0"}}})

	resolver := authz.NewResolver(loader, nil)
	session := &contracts.Session{Actor: &contracts.Contract{Slug: "user-jsmith"}}

	schema, err := resolver.Resolve(context.Background(), session)
	require.NoError(t, err)
	require.Contains(t, schema, "allOf")
}

func TestMarkerSchemaAdminBypass(t *testing.T) {
	loader := newFakeLoader()
	resolver := authz.NewResolver(loader, func(actor *contracts.Contract) bool {
		return actor.Slug == "user-admin"
	})

	session := &contracts.Session{Actor: &contracts.Contract{Slug: "user-admin"}}
	schema, err := resolver.Resolve(context.Background(), session)
	require.NoError(t, err)

	allOf := schema["allOf"].([]interface{})
	require.Contains(t, allOf, map[string]interface{}{})
}

func TestMarkerSchemaEnforcedForNonAdmin(t *testing.T) {
	loader := newFakeLoader()
	loader.orgsByActor["user-u"] = []string{"org-acme"}
	resolver := authz.NewResolver(loader, authz.DefaultIsAdmin)

	session := &contracts.Session{Actor: &contracts.Contract{Slug: "user-u"}}
	schema, err := resolver.Resolve(context.Background(), session)
	require.NoError(t, err)

	allOf := schema["allOf"].([]interface{})
	var markerSchema map[string]interface{}
	for _, clause := range allOf {
		if m, ok := clause.(map[string]interface{}); ok {
			if _, hasProps := m["properties"]; hasProps {
				markerSchema = m
			}
		}
	}
	require.NotNil(t, markerSchema, "expected a marker schema clause")
}

func TestResolveWithScopeConjoinsScope(t *testing.T) {
	loader := newFakeLoader()
	resolver := authz.NewResolver(loader, authz.DefaultIsAdmin)

	session := &contracts.Session{
		Actor: &contracts.Contract{Slug: "user-admin"},
		Scope: []byte(`{"properties":{"type":{"const":"card@1.0.0"}}}`),
	}
	schema, err := resolver.Resolve(context.Background(), session)
	require.NoError(t, err)

	allOf := schema["allOf"].([]interface{})
	require.Len(t, allOf, 3)
}

func TestMaskLinksConjoinsAuthSchemaAtLinkBoundary(t *testing.T) {
	authSchema := map[string]interface{}{"properties": map[string]interface{}{"active": map[string]interface{}{"const": true}}}
	query := map[string]interface{}{
		"type": "object",
		"$$links": map[string]interface{}{
			"is attached to": map[string]interface{}{
				"properties": map[string]interface{}{"type": map[string]interface{}{"const": "thread@1.0.0"}},
			},
		},
	}

	masked := authz.MaskLinks(query, authSchema)
	links := masked["$$links"].(map[string]interface{})
	verbSchema := links["is attached to"].(map[string]interface{})
	allOf, ok := verbSchema["allOf"].([]interface{})
	require.True(t, ok)
	require.Len(t, allOf, 2)
	require.Contains(t, allOf, authSchema)
}

func TestMaskLinksDescendsNestedLinks(t *testing.T) {
	authSchema := map[string]interface{}{"const": true}
	query := map[string]interface{}{
		"properties": map[string]interface{}{
			"data": map[string]interface{}{
				"$$links": map[string]interface{}{
					"owns": map[string]interface{}{"type": "object"},
				},
			},
		},
	}

	masked := authz.MaskLinks(query, authSchema)
	dataSchema := masked["properties"].(map[string]interface{})["data"].(map[string]interface{})
	links := dataSchema["$$links"].(map[string]interface{})
	_, ok := links["owns"].(map[string]interface{})["allOf"]
	require.True(t, ok)
}
