package contracts

import "fmt"

// RelationshipType is the fixed type reference every relationship-contract
// carries.
const RelationshipType = "relationship@1.0.0"

// Relationship is the typed view over a contract of type
// relationship@1.0.0: it permits a link verb (and its inverse) between two
// endpoint type references, compared as exact strings including the
// version (e.g. "message@1.0.0").
type Relationship struct {
	FromType    string `json:"from"`
	ToType      string `json:"to"`
	Name        string `json:"name"`
	InverseName string `json:"inverseName"`
}

// AsRelationship extracts the typed view from a relationship-contract's
// data.
func AsRelationship(c *Contract) (*Relationship, error) {
	if c.Type != RelationshipType {
		return nil, fmt.Errorf("contracts: %s is not a %s contract", c.Slug, RelationshipType)
	}

	from, _ := c.Data["from"].(string)
	to, _ := c.Data["to"].(string)
	name, _ := c.Data["name"].(string)
	inverseName, _ := c.Data["inverseName"].(string)
	if from == "" || to == "" || name == "" || inverseName == "" {
		return nil, fmt.Errorf("contracts: relationship %s missing from/to/name/inverseName", c.Slug)
	}

	return &Relationship{FromType: from, ToType: to, Name: name, InverseName: inverseName}, nil
}

// Permits reports whether this relationship permits a link named name
// (forward) or its inverse (backward) between fromType and toType.
func (r *Relationship) Permits(fromType, name, toType string) bool {
	if r.FromType == fromType && r.ToType == toType && r.Name == name {
		return true
	}
	if r.FromType == toType && r.ToType == fromType && r.InverseName == name {
		return true
	}
	return false
}

// Relationships is a lock-free, read-mostly snapshot of every active
// relationship-contract, keyed by a string triple for O(1) validation of
// candidate link insertions. It is replaced wholesale each time the
// relationship contracts are reloaded; readers observe either the old or new
// snapshot, never a torn one (spec §5 shared resources).
type Relationships struct {
	byTriple map[string]*Relationship
}

func triple(fromType, name, toType string) string {
	return fromType + "\x00" + name + "\x00" + toType
}

// NewRelationships builds a snapshot from a flat list of relationship
// contracts, indexing both the forward and inverse direction of each.
func NewRelationships(all []*Relationship) *Relationships {
	idx := make(map[string]*Relationship, len(all)*2)
	for _, r := range all {
		idx[triple(r.FromType, r.Name, r.ToType)] = r
		idx[triple(r.ToType, r.InverseName, r.FromType)] = r
	}
	return &Relationships{byTriple: idx}
}

// Find returns the relationship permitting a link named name from
// fromType to toType (in either direction), or nil if none does.
func (r *Relationships) Find(fromType, name, toType string) *Relationship {
	if r == nil {
		return nil
	}
	return r.byTriple[triple(fromType, name, toType)]
}
