// Package contracts defines the uniform record type every object in the
// store is built from, and the small typed views (type-contract, link,
// relationship, role) the engine treats specially.
package contracts

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/product-os/autumndb/pkg/versioning"
)

// SlugPattern is the invariant every contract slug must satisfy.
var SlugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Contract is the uniform, immutable-except-by-patch record the engine
// stores. Every field beneath Data is free-form and validated against the
// type-contract's schema rather than the Go type system.
type Contract struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Version string `json:"version"`
	// Type is a <slug>@<version> reference to a type-contract.
	Type   string `json:"type"`
	Active bool   `json:"active"`
	Name   string `json:"name,omitempty"`

	// ActiveSet records whether the caller supplied Active explicitly,
	// so Defaults can tell "omitted" (default true) from "set false"
	// without persisting this bookkeeping field itself.
	ActiveSet bool `json:"-"`

	Tags    []string `json:"tags"`
	Markers []string `json:"markers"`

	// Loop is an optional <slug>@<version> reference to a loop-contract.
	Loop string `json:"loop,omitempty"`

	// Links is materialized on read; clients must never set it directly.
	Links map[string][]*Contract `json:"links"`
	// LinkedAt maps link verb to the timestamp of the first link created
	// with that verb. Maintained by the engine only.
	LinkedAt map[string]time.Time `json:"linked_at"`

	Requires     []json.RawMessage `json:"requires"`
	Capabilities []json.RawMessage `json:"capabilities"`

	Data map[string]interface{} `json:"data"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImmutablePaths lists the JSON-Pointer-style paths no patch may touch.
// Operations targeting these are silently discarded (spec §3, §4.3 step 5).
var ImmutablePaths = map[string]bool{
	"/id":         true,
	"/links":      true,
	"/linked_at":  true,
	"/created_at": true,
	"/updated_at": true,
}

// Defaults fills in engine-managed fields on a partial contract supplied by
// a client for insertion: id, version, empty collections, active flag,
// created_at, and — when absent — a generated slug (spec §4.3 Insert).
func Defaults(partial Contract, now time.Time) Contract {
	c := partial

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == "" {
		c.Version = versioning.Zero().String()
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Markers == nil {
		c.Markers = []string{}
	}
	if c.Links == nil {
		c.Links = map[string][]*Contract{}
	}
	if c.LinkedAt == nil {
		c.LinkedAt = map[string]time.Time{}
	}
	if c.Requires == nil {
		c.Requires = []json.RawMessage{}
	}
	if c.Capabilities == nil {
		c.Capabilities = []json.RawMessage{}
	}
	if c.Data == nil {
		c.Data = map[string]interface{}{}
	}
	if c.Slug == "" {
		c.Slug = GenerateSlug(c.Type, c.Name)
	}
	if !partial.ActiveSet {
		c.Active = true
	}
	c.ActiveSet = true
	c.CreatedAt = now
	c.UpdatedAt = now
	return c
}
