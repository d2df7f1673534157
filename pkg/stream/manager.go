// Package stream is the change fan-out layer (spec §4.4 "Change
// firehose"): it consumes the decoded notifications pkg/database's
// listener forwards, re-matches each changed id against every live
// subscription's schema, and emits insert/update/unmatch/delete events.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/database"
	"github.com/product-os/autumndb/pkg/schema"
)

// QueryStore is the subset of pkg/database.Backend the stream manager
// needs: re-running a subscription's predicate against one id, and
// resolving a link contract's endpoints for inverse-link re-checks.
type QueryStore interface {
	Query(ctx context.Context, q *schema.Query) ([]*contracts.Contract, error)
	GetContractByID(ctx context.Context, id string) (*contracts.Contract, error)
	Table() string
}

// CacheInvalidator is the subset of pkg/cache.Cache the manager needs to
// keep the read-through cache from serving a row a notification just
// changed (spec §4.4 "Change firehose" feeding pkg/cache.Invalidate).
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id, slugAtVersion string)
}

// Manager owns every live subscription and the single dispatch loop that
// re-evaluates them against incoming notifications.
type Manager struct {
	store             QueryStore
	cache             CacheInvalidator
	maxTraversalDepth int
	resume            *ResumeCursor

	// linkDebounce coalesces a burst of link-contract churn touching the
	// same endpoint into one re-check (spec §4.4 "inverse-link streams
	// with single-digit-millisecond debounce").
	linkDebounce time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription

	debounceMu sync.Mutex
	pending    map[string]*time.Timer

	nextID uint64
}

// NewManager builds a Manager. resume may be nil (resume bookkeeping is
// opt-in, spec §4.4).
func NewManager(store QueryStore, cache CacheInvalidator, maxTraversalDepth int, resume *ResumeCursor) *Manager {
	return &Manager{
		store:             store,
		cache:             cache,
		maxTraversalDepth: maxTraversalDepth,
		resume:            resume,
		linkDebounce:      5 * time.Millisecond,
		subs:              map[string]*Subscription{},
		pending:           map[string]*time.Timer{},
	}
}

// Subscribe registers a new query(schema) subscription and returns it.
// queryFunc, if non-nil, is wired onto the subscription so its Query
// method can serve the inbound query(id, schema, options) event (spec
// §4.4); pkg/kernel supplies a closure bound to the same session's auth
// context the subscription itself was opened under.
func (m *Manager) Subscribe(schemaDoc map[string]interface{}, queryFunc QueryFunc) *Subscription {
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&m.nextID, 1))
	sub := newSubscription(id, schemaDoc, queryFunc)

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()
	return sub
}

// Unsubscribe tears down a subscription and closes its event channel.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Run consumes notifications until the channel closes or ctx is done.
// Callers reconnecting after a closed channel should call Catchup first
// to replay whatever the gap may have missed, then call Run again;
// pkg/kernel owns that reconnect loop and its ComputeBackoff-paced retry.
func (m *Manager) Run(ctx context.Context, notifications <-chan database.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			m.HandleNotification(ctx, n)
		}
	}
}

// HandleNotification re-matches n against every live subscription. It is
// exported so a caller that needs to observe the same notification stream
// for another purpose (the kernel facade's relationship-snapshot refresh)
// can drive it directly instead of going through Run.
func (m *Manager) HandleNotification(ctx context.Context, n database.Notification) {
	m.handle(ctx, n)
}

func (m *Manager) handle(ctx context.Context, n database.Notification) {
	m.cache.Invalidate(ctx, n.ID, "")

	for _, sub := range m.snapshot() {
		m.evaluate(ctx, sub, n)
	}

	if m.resume != nil {
		m.resume.Advance(ctx, time.Now())
	}

	if n.ContractType == contracts.LinkType && n.Type != "delete" {
		m.scheduleInverseLinkRecheck(ctx, n.ID)
	}
}

func (m *Manager) snapshot() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

// evaluate re-runs sub's schema against n's id, classifying the result
// into insert/update/unmatch/delete per spec §4.4's per-notification
// algorithm.
func (m *Manager) evaluate(ctx context.Context, sub *Subscription, n database.Notification) {
	if n.Type == "delete" {
		if sub.forget(n.ID) {
			sub.emit(Event{Type: EventDelete, ID: n.ID})
		}
		return
	}

	schemaDoc := sub.currentSchema()
	if !mightMatch(schemaDoc, n) {
		return
	}

	q, err := schema.CompilePrepared(m.store.Table(), schemaDoc, n.ID, m.maxTraversalDepth)
	if err != nil {
		return
	}
	rows, err := m.store.Query(ctx, q)
	if err != nil {
		return
	}

	if len(rows) == 0 {
		if sub.forget(n.ID) {
			sub.emit(Event{Type: EventUnmatch, ID: n.ID})
		}
		return
	}

	contract := rows[0]
	if sub.remember(n.ID) {
		sub.emit(Event{Type: EventInsert, ID: n.ID, Contract: contract})
	} else {
		sub.emit(Event{Type: EventUpdate, ID: n.ID, Contract: contract})
	}
}

// mightMatch quick-rejects a notification against a schema's constant
// id/slug/type filters before a predicate is compiled and sent to the
// database, so a subscription scoped to one type doesn't pay a round trip
// for every row change in the table (spec §4.4 "quick-reject").
func mightMatch(schemaDoc map[string]interface{}, n database.Notification) bool {
	if v, ok := constAt(schemaDoc, "id"); ok && v != n.ID {
		return false
	}
	if v, ok := constAt(schemaDoc, "slug"); ok && v != n.Slug {
		return false
	}
	if v, ok := constAt(schemaDoc, "type"); ok && v != n.ContractType {
		return false
	}
	return true
}

func constAt(schemaDoc map[string]interface{}, field string) (string, bool) {
	props, ok := schemaDoc["properties"].(map[string]interface{})
	if !ok {
		return "", false
	}
	propSchema, ok := props[field].(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := propSchema["const"].(string)
	return v, ok
}

// scheduleInverseLinkRecheck debounces a burst of changes to the same
// link row into a single re-check of its endpoints, since a link's
// from/to contracts may be exposed through $$links in a subscription's
// schema without the endpoint row itself having changed.
func (m *Manager) scheduleInverseLinkRecheck(ctx context.Context, linkID string) {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()

	if t, ok := m.pending[linkID]; ok {
		t.Stop()
	}
	m.pending[linkID] = time.AfterFunc(m.linkDebounce, func() {
		m.debounceMu.Lock()
		delete(m.pending, linkID)
		m.debounceMu.Unlock()
		m.recheckLinkEndpoints(ctx, linkID)
	})
}

func (m *Manager) recheckLinkEndpoints(ctx context.Context, linkID string) {
	link, err := m.store.GetContractByID(ctx, linkID)
	if err != nil || link == nil {
		return
	}

	subs := m.snapshot()
	for _, end := range []string{"from", "to"} {
		ref, ok := link.Data[end].(map[string]interface{})
		if !ok {
			continue
		}
		endID, _ := ref["id"].(string)
		if endID == "" {
			continue
		}

		endpoint, err := m.store.GetContractByID(ctx, endID)
		if err != nil || endpoint == nil {
			continue
		}
		synthetic := database.Notification{
			ID: endpoint.ID, Slug: endpoint.Slug, ContractType: endpoint.Type, Type: "update",
		}
		for _, sub := range subs {
			m.evaluate(ctx, sub, synthetic)
		}
	}
}

// Catchup replays every contract updated since the resume cursor's last
// recorded timestamp against every active subscription, covering a gap a
// dropped listener connection would otherwise lose silently (spec §4.4).
// It considers at most schema.HardMaxLimit of the most recently updated
// contracts. A nil resume cursor or an empty cursor makes this a no-op: resume
// bookkeeping is opt-in.
func (m *Manager) Catchup(ctx context.Context) error {
	if m.resume == nil {
		return nil
	}
	since, ok := m.resume.Load(ctx)
	if !ok {
		return nil
	}

	q, err := schema.Compile(m.store.Table(), map[string]interface{}{}, schema.Options{
		Limit: schema.HardMaxLimit, SortBy: []string{"updated_at"}, SortDir: "desc",
	}, m.maxTraversalDepth)
	if err != nil {
		return fmt.Errorf("stream: catchup compile: %w", err)
	}
	rows, err := m.store.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("stream: catchup query: %w", err)
	}

	subs := m.snapshot()
	for _, c := range rows {
		if !c.UpdatedAt.After(since) {
			continue
		}
		n := database.Notification{ID: c.ID, Slug: c.Slug, ContractType: c.Type, Type: "update"}
		for _, sub := range subs {
			m.evaluate(ctx, sub, n)
		}
	}
	return nil
}
