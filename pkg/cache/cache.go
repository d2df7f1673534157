// Package cache is the opt-in read-through layer in front of by-id and
// by-slug contract lookups (spec §5 "Shared resources": "The cache is
// opt-in; when absent, every by-id/by-slug lookup goes to the backend").
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/product-os/autumndb/pkg/contracts"
)

// Backend is the subset of the relational backend the cache fronts.
type Backend interface {
	GetContractByID(ctx context.Context, id string) (*contracts.Contract, error)
	GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error)
}

// Cache wraps a Backend with a Redis-backed read-through cache. A miss or
// a disabled cache falls straight through to the backend; nothing here
// changes write behavior.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	backend Backend
}

// New constructs a Cache. addr may be empty, in which case Cache behaves
// as a pure pass-through (no redis.Client is dialed).
func New(addr string, ttl time.Duration, backend Backend) *Cache {
	c := &Cache{ttl: ttl, backend: backend}
	if addr != "" {
		c.client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

func (c *Cache) enabled() bool {
	return c.client != nil
}

func idKey(id string) string {
	return fmt.Sprintf("autumndb:contract:id:%s", id)
}

func slugKey(slugAtVersion string) string {
	return fmt.Sprintf("autumndb:contract:slug:%s", slugAtVersion)
}

// GetContractByID serves from cache when present, otherwise delegates to
// the backend and populates both the id and slug@version cache entries.
func (c *Cache) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	if c.enabled() {
		if cached, ok := c.read(ctx, idKey(id)); ok {
			return cached, nil
		}
	}

	contract, err := c.backend.GetContractByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, contract)
	return contract, nil
}

// GetContractBySlug serves from cache when the reference names an exact
// version; "latest"/absent-version lookups always hit the backend, since
// a cached "latest" would go stale the instant a newer version lands.
func (c *Cache) GetContractBySlug(ctx context.Context, slugAtVersion string) (*contracts.Contract, error) {
	if c.enabled() && isExactVersionRef(slugAtVersion) {
		if cached, ok := c.read(ctx, slugKey(slugAtVersion)); ok {
			return cached, nil
		}
	}

	contract, err := c.backend.GetContractBySlug(ctx, slugAtVersion)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, contract)
	return contract, nil
}

// Invalidate drops any cached entry for id and slugAtVersion, called by
// the stream manager's change-notification consumer when a row changes
// (spec §4.4 "Change firehose").
func (c *Cache) Invalidate(ctx context.Context, id, slugAtVersion string) {
	if !c.enabled() {
		return
	}
	c.client.Del(ctx, idKey(id))
	if slugAtVersion != "" {
		c.client.Del(ctx, slugKey(slugAtVersion))
	}
}

func (c *Cache) populate(ctx context.Context, contract *contracts.Contract) {
	if !c.enabled() || contract == nil {
		return
	}
	raw, err := json.Marshal(contract)
	if err != nil {
		return
	}
	c.client.Set(ctx, idKey(contract.ID), raw, c.ttl)
	c.client.Set(ctx, slugKey(contract.Slug+"@"+contract.Version), raw, c.ttl)
}

func (c *Cache) read(ctx context.Context, key string) (*contracts.Contract, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var contract contracts.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, false
	}
	return &contract, true
}

func isExactVersionRef(slugAtVersion string) bool {
	idx := -1
	for i := len(slugAtVersion) - 1; i >= 0; i-- {
		if slugAtVersion[i] == '@' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	version := slugAtVersion[idx+1:]
	return version != "" && version != "latest"
}
