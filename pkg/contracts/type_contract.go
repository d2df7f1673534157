package contracts

import (
	"encoding/json"
	"fmt"
)

// TypeContractSuffix is the version suffix of the well-known meta-type
// every type-contract's own Type field carries.
const TypeContractSuffix = "type@1.0.0"

// TypeContract is the typed view over a contract of type type@1.0.0: its
// data.schema validates the data of every contract whose Type references
// it, and data.indexed_fields/fullTextSearch drive index generation.
type TypeContract struct {
	Slug          string
	Version       string
	Schema        json.RawMessage
	IndexedFields []string
}

// AsTypeContract extracts the typed view from a raw contract, failing if
// the contract's data carries no schema.
func AsTypeContract(c *Contract) (*TypeContract, error) {
	raw, ok := c.Data["schema"]
	if !ok {
		return nil, fmt.Errorf("contracts: %s@%s is not a type-contract: data.schema missing", c.Slug, c.Version)
	}
	schema, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal schema for %s@%s: %w", c.Slug, c.Version, err)
	}

	tc := &TypeContract{
		Slug:    c.Slug,
		Version: c.Version,
		Schema:  schema,
	}

	if rawFields, ok := c.Data["indexed_fields"]; ok {
		if fields, ok := rawFields.([]interface{}); ok {
			for _, f := range fields {
				if s, ok := f.(string); ok {
					tc.IndexedFields = append(tc.IndexedFields, s)
				}
			}
		}
	}

	return tc, nil
}

// Reference returns the <slug>@<version> form used in Contract.Type.
func (tc *TypeContract) Reference() string {
	return tc.Slug + "@" + tc.Version
}
