package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/database"
	"github.com/product-os/autumndb/pkg/schema"
)

type fakeStore struct {
	byID  map[string]*contracts.Contract
	table string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*contracts.Contract{}, table: "contracts"}
}

func (f *fakeStore) Table() string { return f.table }

func (f *fakeStore) GetContractByID(ctx context.Context, id string) (*contracts.Contract, error) {
	return f.byID[id], nil
}

// Query stands in for the real compiled-predicate execution: it looks up
// the id CompilePrepared bound last and re-checks just the one predicate
// shape this test suite's schemas use (a const on "active"), which is
// enough to exercise the manager's insert/update/unmatch/delete
// classification without a live database.
func (f *fakeStore) Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error) {
	id, ok := lastArgString(q.Args)
	if !ok {
		return nil, nil
	}
	c, ok := f.byID[id]
	if !ok || c == nil {
		return nil, nil
	}
	if !c.Active {
		return nil, nil
	}
	return []*contracts.Contract{c}, nil
}

func lastArgString(args []interface{}) (string, bool) {
	for i := len(args) - 1; i >= 0; i-- {
		if s, ok := args[i].(string); ok {
			return s, true
		}
	}
	return "", false
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Invalidate(ctx context.Context, id, slugAtVersion string) {
	f.invalidated = append(f.invalidated, id)
}

func activeCardSchema() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"type":   map[string]interface{}{"const": "card@1.0.0"},
			"active": map[string]interface{}{"const": true},
		},
	}
}

func TestManagerEmitsInsertThenUpdateThenUnmatch(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	m := NewManager(store, cache, 0, nil)

	sub := m.Subscribe(activeCardSchema(), nil)
	defer m.Unsubscribe(sub.ID)

	now := time.Now()
	store.byID["id-1"] = &contracts.Contract{ID: "id-1", Slug: "card-1", Type: "card@1.0.0", Active: true, UpdatedAt: now}
	m.handle(context.Background(), database.Notification{ID: "id-1", Slug: "card-1", ContractType: "card@1.0.0", Type: "insert"})

	ev := <-sub.Events()
	require.Equal(t, EventInsert, ev.Type)
	require.Equal(t, "id-1", ev.ID)

	// second change while still matching: update, not another insert.
	m.handle(context.Background(), database.Notification{ID: "id-1", Slug: "card-1", ContractType: "card@1.0.0", Type: "update"})
	ev = <-sub.Events()
	require.Equal(t, EventUpdate, ev.Type)

	// row stops matching (active flips false): unmatch, not delete.
	store.byID["id-1"].Active = false
	m.handle(context.Background(), database.Notification{ID: "id-1", Slug: "card-1", ContractType: "card@1.0.0", Type: "update"})
	ev = <-sub.Events()
	require.Equal(t, EventUnmatch, ev.Type)

	require.Equal(t, []string{"id-1", "id-1", "id-1"}, cache.invalidated)
}

func TestManagerEmitsDeleteOnlyForPreviouslyMatchedIDs(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	m := NewManager(store, cache, 0, nil)

	sub := m.Subscribe(activeCardSchema(), nil)
	defer m.Unsubscribe(sub.ID)

	// never matched: delete notification is a silent no-op.
	m.handle(context.Background(), database.Notification{ID: "ghost", Slug: "ghost", ContractType: "card@1.0.0", Type: "delete"})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for never-matched id: %+v", ev)
	default:
	}

	store.byID["id-2"] = &contracts.Contract{ID: "id-2", Slug: "card-2", Type: "card@1.0.0", Active: true}
	m.handle(context.Background(), database.Notification{ID: "id-2", Slug: "card-2", ContractType: "card@1.0.0", Type: "insert"})
	require.Equal(t, EventInsert, (<-sub.Events()).Type)

	delete(store.byID, "id-2")
	m.handle(context.Background(), database.Notification{ID: "id-2", Slug: "card-2", ContractType: "card@1.0.0", Type: "delete"})
	require.Equal(t, EventDelete, (<-sub.Events()).Type)
}

func TestMightMatchQuickRejectsOnConstType(t *testing.T) {
	schemaDoc := activeCardSchema()
	n := database.Notification{ID: "id-1", Slug: "x", ContractType: "other@1.0.0", Type: "insert"}
	require.False(t, mightMatch(schemaDoc, n))

	n.ContractType = "card@1.0.0"
	require.True(t, mightMatch(schemaDoc, n))
}

func TestUnsubscribeClosesEventsChannel(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	m := NewManager(store, cache, 0, nil)

	sub := m.Subscribe(activeCardSchema(), nil)
	m.Unsubscribe(sub.ID)

	_, open := <-sub.Events()
	require.False(t, open)
}

func TestSubscriptionQueryEmitsDatasetAndMarksRowsSeen(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	m := NewManager(store, cache, 0, nil)

	wanted := []*contracts.Contract{
		{ID: "id-1", Slug: "card-1", Type: "card@1.0.0", Active: true},
		{ID: "id-2", Slug: "card-2", Type: "card@1.0.0", Active: true},
	}
	queryFunc := func(ctx context.Context, reqSchema map[string]interface{}, opts schema.Options) ([]*contracts.Contract, error) {
		return wanted, nil
	}
	sub := m.Subscribe(activeCardSchema(), queryFunc)
	defer m.Unsubscribe(sub.ID)

	require.NoError(t, sub.Query(context.Background(), "req-1", activeCardSchema(), schema.Options{}))

	ev := <-sub.Events()
	require.Equal(t, EventDataset, ev.Type)
	require.Equal(t, "req-1", ev.ID)
	require.Equal(t, wanted, ev.Contracts)

	// a row the dataset reply already returned is now "seen": a later
	// live notification for it must be classified as an update, not a
	// duplicate insert.
	store.byID["id-1"] = wanted[0]
	m.handle(context.Background(), database.Notification{ID: "id-1", Slug: "card-1", ContractType: "card@1.0.0", Type: "update"})
	ev = <-sub.Events()
	require.Equal(t, EventUpdate, ev.Type)
}

func TestSubscriptionQueryWithoutFuncErrors(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	m := NewManager(store, cache, 0, nil)

	sub := m.Subscribe(activeCardSchema(), nil)
	defer m.Unsubscribe(sub.ID)

	err := sub.Query(context.Background(), "req-1", activeCardSchema(), schema.Options{})
	require.Error(t, err)
}
