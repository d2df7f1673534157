package kernel

import (
	"context"
	"sync/atomic"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// relationshipStore is the subset of storeFacade the relationship
// snapshot loader needs: a plain schema query over every relationship
// contract on record.
type relationshipStore interface {
	Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error)
	Table() string
}

// relationshipSnapshot holds the kernel's in-memory relationships table,
// shared across all operations and read lock-free. It is updated only by
// reload (see below). Updates replace the pointer
// wholesale with atomic.Pointer so a concurrent Find never observes a
// torn snapshot.
type relationshipSnapshot struct {
	current atomic.Pointer[contracts.Relationships]
}

func newRelationshipSnapshot() *relationshipSnapshot {
	s := &relationshipSnapshot{}
	s.current.Store(contracts.NewRelationships(nil))
	return s
}

// Find implements mutation.Relationships against the current snapshot.
func (s *relationshipSnapshot) Find(fromType, name, toType string) *contracts.Relationship {
	return s.current.Load().Find(fromType, name, toType)
}

// reload re-queries every relationship-contract and atomically replaces
// the snapshot. Called once at startup and again whenever the
// notification loop observes a change to a relationship@1.0.0 row.
func (s *relationshipSnapshot) reload(ctx context.Context, store relationshipStore, maxTraversalDepth int) error {
	q, err := schema.Compile(store.Table(), map[string]interface{}{
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": contracts.RelationshipType},
		},
	}, schema.Options{Limit: schema.HardMaxLimit}, maxTraversalDepth)
	if err != nil {
		return err
	}

	rows, err := store.Query(ctx, q)
	if err != nil {
		return err
	}

	relationships := make([]*contracts.Relationship, 0, len(rows))
	for _, row := range rows {
		rel, err := contracts.AsRelationship(row)
		if err != nil {
			continue
		}
		relationships = append(relationships, rel)
	}

	s.current.Store(contracts.NewRelationships(relationships))
	return nil
}
