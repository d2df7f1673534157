package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestACIDKillDuringWrite validates that contract writes hold ACID
// semantics even when a connection or transaction is killed mid-flight.
// It uses an in-process "sqlite3" database/sql connection standing in for
// the relational primary, exercising the same (slug, version) uniqueness
// invariant spec §6 places on the contracts table without requiring a
// live Postgres instance. This module imports no sqlite3 driver, so the
// test skips unless one is registered (see testDB).
func TestACIDKillDuringWrite(t *testing.T) {
	db, cleanup := testDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contracts_acid_probe (
			id            TEXT PRIMARY KEY,
			slug          TEXT NOT NULL,
			version_major INTEGER NOT NULL,
			type_ref      TEXT NOT NULL,
			created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(slug, version_major)
		)
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	const (
		numWriters     = 10
		writesPerAgent = 50
	)

	// Test 1: Concurrent inserts across distinct slugs never collide, and
	// no two rows ever share a (slug, version_major) pair (Isolation).
	t.Run("Isolation_ConcurrentWriters", func(t *testing.T) {
		var wg sync.WaitGroup
		errCh := make(chan error, numWriters*writesPerAgent)

		for w := 0; w < numWriters; w++ {
			wg.Add(1)
			go func(writerID int) {
				defer wg.Done()
				slug := fmt.Sprintf("card-writer-%d", writerID)
				for i := 0; i < writesPerAgent; i++ {
					id := fmt.Sprintf("id-%d-%d", writerID, i)
					_, err := db.ExecContext(ctx,
						`INSERT INTO contracts_acid_probe (id, slug, version_major, type_ref) VALUES ($1, $2, $3, $4)`,
						id, slug, i, "card@1.0.0",
					)
					if err != nil {
						errCh <- fmt.Errorf("writer %d, write %d: %w", writerID, i, err)
					}
				}
			}(w)
		}

		wg.Wait()
		close(errCh)

		for err := range errCh {
			t.Errorf("concurrent write error: %v", err)
		}

		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts_acid_probe`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		expected := numWriters * writesPerAgent
		if count != expected {
			t.Errorf("expected %d rows, got %d", expected, count)
		}

		var dupes int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM (SELECT slug, version_major FROM contracts_acid_probe GROUP BY slug, version_major HAVING COUNT(*) > 1) AS d`,
		).Scan(&dupes); err != nil {
			t.Fatalf("dupe check: %v", err)
		}
		if dupes > 0 {
			t.Errorf("found %d duplicate (slug, version_major) pairs — isolation violation", dupes)
		}
	})

	// Test 2: Atomicity — a rolled-back insert leaves no trace.
	t.Run("Atomicity_RolledBackTx", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO contracts_acid_probe (id, slug, version_major, type_ref) VALUES ($1, $2, $3, $4)`,
			"id-killed", "card-killed", 1, "card@1.0.0",
		)
		if err != nil {
			t.Fatalf("insert in tx: %v", err)
		}

		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		var exists bool
		err = db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts_acid_probe WHERE id = 'id-killed')`,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("existence check: %v", err)
		}
		if exists {
			t.Error("rolled-back row still visible — atomicity violation")
		}
	})

	// Test 3: Consistency — the (slug, version_major) uniqueness invariant
	// (spec §6 "Uniqueness on (slug, version_*)") holds under a race.
	t.Run("Consistency_UniqueConstraint", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		successCount := 0

		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := db.ExecContext(ctx,
					`INSERT INTO contracts_acid_probe (id, slug, version_major, type_ref) VALUES ($1, $2, $3, $4)`,
					fmt.Sprintf("id-unique-race-%d", n), "card-unique-race", 0, "card@1.0.0",
				)
				if err == nil {
					mu.Lock()
					successCount++
					mu.Unlock()
				}
			}(w)
		}

		wg.Wait()

		if successCount != 1 {
			t.Errorf("expected exactly 1 successful insert, got %d — constraint violation", successCount)
		}
	})

	// Test 4: Durability — a committed insert survives a fresh query.
	t.Run("Durability_CommittedDataSurvives", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO contracts_acid_probe (id, slug, version_major, type_ref) VALUES ($1, $2, $3, $4)`,
			"id-durable", "card-durable", 0, "card@1.0.0",
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		var typeRef string
		err = db.QueryRowContext(ctx,
			`SELECT type_ref FROM contracts_acid_probe WHERE id = 'id-durable'`,
		).Scan(&typeRef)
		if err != nil {
			t.Fatalf("read after commit: %v", err)
		}
		if typeRef != "card@1.0.0" {
			t.Errorf("expected 'card@1.0.0', got '%s'", typeRef)
		}
	})

	// Test 5: Kill simulation — cancel the context mid-transaction.
	t.Run("Kill_ContextCancellation", func(t *testing.T) {
		killCtx, cancel := context.WithCancel(ctx)

		tx, err := db.BeginTx(killCtx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(killCtx,
			`INSERT INTO contracts_acid_probe (id, slug, version_major, type_ref) VALUES ($1, $2, $3, $4)`,
			"id-context-killed", "card-context-killed", 0, "card@1.0.0",
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		cancel()
		time.Sleep(10 * time.Millisecond)

		commitErr := tx.Commit()
		if commitErr == nil {
			return
		}
		if !errors.Is(commitErr, context.Canceled) && !errors.Is(commitErr, sql.ErrTxDone) {
			// driver-specific cancellation error, also acceptable
		}

		var exists bool
		err = db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts_acid_probe WHERE id = 'id-context-killed')`,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("existence check: %v", err)
		}
		if exists {
			t.Error("context-cancelled row still visible — atomicity violation on kill")
		}
	})
}

// testDB opens an in-process sqlite3 connection standing in for the
// relational primary, and skips the test when no "sqlite3" driver is
// registered.
func testDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Skipf("sqlite3 driver not available for ACID probe: %v", err)
	}

	return db, func() {
		db.Close()
	}
}
