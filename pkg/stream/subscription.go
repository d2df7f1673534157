package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/schema"
)

// EventType is the kind of change a subscription observes for one id
// (spec §4.4).
type EventType string

const (
	// EventInsert fires the first time an id starts satisfying the
	// subscription's schema.
	EventInsert EventType = "insert"
	// EventUpdate fires on a later change that still satisfies the schema.
	EventUpdate EventType = "update"
	// EventUnmatch fires when a previously-matching id stops satisfying
	// the schema (the row still exists, just no longer qualifies).
	EventUnmatch EventType = "unmatch"
	// EventDelete fires when a previously-matching id's row is removed.
	EventDelete EventType = "delete"
	// EventDataset replies to an inbound query(id, schema, options) event
	// (spec §4.4 "Additional request events") with the matching contracts,
	// carrying the request's id back in ID so the caller can pair the
	// reply with its request.
	EventDataset EventType = "dataset"
)

// Event is one notification delivered to a subscriber.
type Event struct {
	Type      EventType
	ID        string
	Contract  *contracts.Contract
	Contracts []*contracts.Contract
}

// QueryFunc executes a one-off query through the auth context a
// subscription was opened under (spec §4.4's inbound query(id, schema,
// options) event re-runs "through the subscription's existing auth
// context"). pkg/kernel supplies the closure at Subscribe time.
type QueryFunc func(ctx context.Context, querySchema map[string]interface{}, opts schema.Options) ([]*contracts.Contract, error)

// Subscription is a single query() registration: a schema to match
// against and the channel of Events it emits as matching rows change
// (spec §4.4 "inbound query(id, schema, options) / setSchema(newSchema)
// events"). Delivery is at-least-once and unordered across ids; there is
// no persistent log, so a subscriber that was never listening never sees
// an event it missed.
type Subscription struct {
	ID string

	events    chan Event
	queryFunc QueryFunc

	mu        sync.RWMutex
	schema    map[string]interface{}
	matchedID map[string]bool
	closed    bool
}

func newSubscription(id string, schemaDoc map[string]interface{}, queryFunc QueryFunc) *Subscription {
	return &Subscription{
		ID:        id,
		events:    make(chan Event, 256),
		queryFunc: queryFunc,
		schema:    schemaDoc,
		matchedID: map[string]bool{},
	}
}

// Events returns the channel this subscription's matches are delivered
// on. It is closed once Unsubscribe is called.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// SetSchema atomically swaps the predicate this subscription matches
// (spec §4.4's inbound setSchema event). Ids already tracked as matched
// under the old schema are re-evaluated the next time a change touches
// them, not immediately — the manager has no reason to re-scan the whole
// table just because a live subscriber narrowed its filter.
func (s *Subscription) SetSchema(schemaDoc map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schemaDoc
}

// Query implements the inbound query(id, schema, options) event (spec
// §4.4 "Additional request events"): it re-runs schemaDoc through the
// same auth context the subscription was opened under, marks every
// returned row as already matched so a subsequent live change to one of
// them is delivered as an update rather than a duplicate insert, and
// replies with a dataset(id, contracts) event carrying requestID.
func (s *Subscription) Query(ctx context.Context, requestID string, schemaDoc map[string]interface{}, opts schema.Options) error {
	if s.queryFunc == nil {
		return fmt.Errorf("stream: subscription %s was not opened with a query function", s.ID)
	}
	rows, err := s.queryFunc(ctx, schemaDoc, opts)
	if err != nil {
		return err
	}
	for _, c := range rows {
		s.remember(c.ID)
	}
	s.emit(Event{Type: EventDataset, ID: requestID, Contracts: rows})
	return nil
}

func (s *Subscription) currentSchema() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// remember records id as currently matching, returning true if it was
// not already recorded (i.e. this is an insert, not an update).
func (s *Subscription) remember(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasNew := !s.matchedID[id]
	s.matchedID[id] = true
	return wasNew
}

// forget drops id from the matched set, returning true if it had been
// recorded (i.e. an unmatch/delete event is actually owed).
func (s *Subscription) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := s.matchedID[id]
	delete(s.matchedID, id)
	return existed
}

func (s *Subscription) emit(e Event) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	select {
	case s.events <- e:
	default:
		// A slow subscriber drops the event rather than blocking the
		// shared dispatch loop every other subscription depends on;
		// delivery is at-least-once, not guaranteed, by design.
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.events)
}
