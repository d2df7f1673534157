package kernel

import (
	"context"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// populateLinks fills in row.Links[verb] for every $$links member of
// schemaDoc's root (spec §4.1 "$$links: ... carry the linked field
// projections into the row codec"). schemaDoc is expected to be the
// already-masked form kernel.mergeAuthSchema produces: every target has
// the caller's authorization schema conjoined in already, so the query
// this issues for each verb can never surface an endpoint the caller
// could not otherwise read directly (spec §4.2 "Link masking"). Only
// top-level $$links are resolved; nested $$links beneath an endpoint's
// own properties are left for a recursive call the caller can make
// against the endpoint in turn, which none of this repo's callers
// currently need two levels deep.
func (k *Kernel) populateLinks(ctx context.Context, schemaDoc map[string]interface{}, rows []*contracts.Contract) error {
	links, ok := schemaDoc["$$links"].(map[string]interface{})
	if !ok || len(links) == 0 {
		return nil
	}

	for verb, raw := range links {
		target, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, parent := range rows {
			endpoints, err := k.linkedEndpoints(ctx, parent.ID, verb, target)
			if err != nil {
				return err
			}
			if len(endpoints) > 0 {
				if parent.Links == nil {
					parent.Links = map[string][]*contracts.Contract{}
				}
				parent.Links[verb] = endpoints
			}
		}
	}
	return nil
}

// linkedEndpoints finds every contract linked from parentID by verb that
// also satisfies target (already auth-masked by the caller), by first
// reading the raw link rows (cheap, indexed by type) and then compiling
// target restricted to that candidate id set — reusing the query
// compiler rather than hand-rolling a second predicate walker.
func (k *Kernel) linkedEndpoints(ctx context.Context, parentID, verb string, target map[string]interface{}) ([]*contracts.Contract, error) {
	linkQuery, err := schema.Compile(k.store.Table(), map[string]interface{}{
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": contracts.LinkType},
			"data": map[string]interface{}{
				"properties": map[string]interface{}{
					"name": map[string]interface{}{"const": verb},
					"from": map[string]interface{}{
						"properties": map[string]interface{}{
							"id": map[string]interface{}{"const": parentID},
						},
					},
				},
			},
		},
	}, schema.Options{Limit: schema.HardMaxLimit}, k.maxTraversalDepth)
	if err != nil {
		return nil, err
	}

	linkRows, err := k.store.Query(ctx, linkQuery)
	if err != nil {
		return nil, err
	}
	if len(linkRows) == 0 {
		return nil, nil
	}

	toIDs := make([]interface{}, 0, len(linkRows))
	for _, lr := range linkRows {
		to, _ := lr.Data["to"].(map[string]interface{})
		id, _ := to["id"].(string)
		if id != "" {
			toIDs = append(toIDs, id)
		}
	}
	if len(toIDs) == 0 {
		return nil, nil
	}

	restricted := map[string]interface{}{
		"allOf": []interface{}{
			target,
			map[string]interface{}{"properties": map[string]interface{}{"id": map[string]interface{}{"enum": toIDs}}},
		},
	}
	endpointQuery, err := schema.Compile(k.store.Table(), restricted, schema.Options{Limit: schema.HardMaxLimit}, k.maxTraversalDepth)
	if err != nil {
		return nil, err
	}
	return k.store.Query(ctx, endpointQuery)
}
