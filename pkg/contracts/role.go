package contracts

import (
	"encoding/json"
	"fmt"
)

// RoleTypeSuffix is the version suffix every role-contract's Type carries.
const RoleTypeSuffix = "role@1.0.0"

// RolePrefix is prepended to an actor or role slug to form the slug of the
// role-contract granting it read access (spec §4.2 step 1: "role-<slug>").
const RolePrefix = "role-"

// Role is the typed view over a contract of type role@1.0.0: its
// data.read clause is a JSON-schema predicate over the readable universe,
// potentially containing {$eval: ...} expressions evaluated against the
// requesting actor.
type Role struct {
	Slug string
	Read json.RawMessage
}

// AsRole extracts the typed view from a role-contract's data.
func AsRole(c *Contract) (*Role, error) {
	if c.Type != RoleTypeSuffix {
		return nil, fmt.Errorf("contracts: %s is not a %s contract", c.Slug, RoleTypeSuffix)
	}
	raw, ok := c.Data["read"]
	if !ok {
		return nil, fmt.Errorf("contracts: role %s missing data.read", c.Slug)
	}
	read, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("contracts: role %s: marshal read clause: %w", c.Slug, err)
	}
	return &Role{Slug: c.Slug, Read: read}, nil
}

// RoleSlugFor returns the slug of the role-contract granting actorOrRole
// its read clause.
func RoleSlugFor(actorOrRoleSlug string) string {
	return RolePrefix + actorOrRoleSlug
}
