package contracts

import "encoding/json"

// Session is the identity a request executes as: the actor contract
// (a user-contract) plus an optional scope further narrowing what that
// actor may see for this one call (spec §3 Session).
type Session struct {
	Actor *Contract
	Scope json.RawMessage
}

// RoleSlugs returns the role slugs the authorization resolver must merge
// for this session: the actor's own slug (spec §4.2 step 1 treats an
// actor as implicitly holding a role matching its own slug) plus every
// entry in data.roles.
func (s *Session) RoleSlugs() []string {
	if s == nil || s.Actor == nil {
		return nil
	}
	slugs := []string{s.Actor.Slug}
	raw, ok := s.Actor.Data["roles"]
	if !ok {
		return slugs
	}
	roles, ok := raw.([]interface{})
	if !ok {
		return slugs
	}
	for _, r := range roles {
		if s, ok := r.(string); ok {
			slugs = append(slugs, s)
		}
	}
	return slugs
}

// HasScope reports whether the session carries a non-empty scope
// narrowing its effective read schema.
func (s *Session) HasScope() bool {
	return s != nil && len(s.Scope) > 0 && string(s.Scope) != "{}" && string(s.Scope) != "null"
}
