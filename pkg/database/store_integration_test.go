//go:build integration

package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/product-os/autumndb/pkg/contracts"
)

// openTestBackend connects to a real Postgres instance named by
// DATABASE_URL and bootstraps a throwaway table, skipping the test suite
// entirely when no instance is configured (run with -tags=integration
// against a live database).
func openTestBackend(t *testing.T) *Backend {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping database integration tests")
	}

	b, err := Open(Options{DatabaseURL: url, Table: "contracts_store_test"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	if err := b.Bootstrap(ctx, "contracts_store_test_changes"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return b
}

func TestBackendInsertAndGetByID(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	c := contracts.Contract{
		ID:        uuid.NewString(),
		Slug:      "card-store-test",
		Version:   "1.0.0",
		Type:      "card@1.0.0",
		Active:    true,
		Tags:      []string{"a"},
		Markers:   []string{},
		Links:     map[string][]*contracts.Contract{},
		LinkedAt:  map[string]time.Time{},
		Data:      map[string]interface{}{"status": "open"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	inserted, err := b.Insert(ctx, c)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := b.GetContractByID(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got == nil {
		t.Fatal("expected contract, got nil")
	}
	if got.Slug != c.Slug || got.Data["status"] != "open" {
		t.Errorf("unexpected contract: %+v", got)
	}
}

func TestBackendGetContractBySlugLatest(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	base := contracts.Contract{
		Slug: "card-latest-test", Type: "card@1.0.0", Active: true,
		Tags: []string{}, Markers: []string{}, Links: map[string][]*contracts.Contract{},
		LinkedAt: map[string]time.Time{}, Data: map[string]interface{}{},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	v1 := base
	v1.ID = uuid.NewString()
	v1.Version = "1.0.0"
	if _, err := b.Insert(ctx, v1); err != nil {
		t.Fatalf("insert v1: %v", err)
	}

	v2 := base
	v2.ID = uuid.NewString()
	v2.Version = "2.0.0"
	if _, err := b.Insert(ctx, v2); err != nil {
		t.Fatalf("insert v2: %v", err)
	}

	got, err := b.GetContractBySlug(ctx, "card-latest-test@latest")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got == nil || got.Version != "2.0.0" {
		t.Errorf("expected version 2.0.0, got %+v", got)
	}
}

func TestBackendRequiresCapabilitiesRoundtrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	c := contracts.Contract{
		ID: uuid.NewString(), Slug: "card-requires-test", Version: "1.0.0",
		Type: "card@1.0.0", Active: true, Tags: []string{}, Markers: []string{},
		Links: map[string][]*contracts.Contract{}, LinkedAt: map[string]time.Time{},
		Requires:     []json.RawMessage{json.RawMessage(`{"or":[{"field":"slug","matches":"required-thing"}]}`)},
		Capabilities: []json.RawMessage{json.RawMessage(`{"name":"builds"}`)},
		Data:         map[string]interface{}{},
		CreatedAt:    time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	inserted, err := b.Insert(ctx, c)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := b.GetContractByID(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if len(got.Requires) != 1 || len(got.Capabilities) != 1 {
		t.Fatalf("expected one requires and one capabilities entry, got %+v", got)
	}
	var req map[string]interface{}
	if err := json.Unmarshal(got.Requires[0], &req); err != nil {
		t.Fatalf("decode requires: %v", err)
	}
	if _, ok := req["or"]; !ok {
		t.Errorf("expected 'or' key in decoded requires, got %+v", req)
	}
}

func TestBackendRecordLinkedAtIsFirstWriteOnly(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	c := contracts.Contract{
		ID: uuid.NewString(), Slug: "card-linkedat-test", Version: "1.0.0",
		Type: "card@1.0.0", Active: true, Tags: []string{}, Markers: []string{},
		Links: map[string][]*contracts.Contract{}, LinkedAt: map[string]time.Time{},
		Data: map[string]interface{}{}, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	inserted, err := b.Insert(ctx, c)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := b.RecordLinkedAt(ctx, inserted.ID, "is attached to", first); err != nil {
		t.Fatalf("record linked_at: %v", err)
	}
	if err := b.RecordLinkedAt(ctx, inserted.ID, "is attached to", second); err != nil {
		t.Fatalf("record linked_at again: %v", err)
	}

	got, err := b.GetContractByID(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !got.LinkedAt["is attached to"].Equal(first) {
		t.Errorf("expected linked_at to stay at first write %v, got %v", first, got.LinkedAt["is attached to"])
	}
}
