package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// TestACIDKillDuringWrite validates that a ledger-shaped table keeps ACID
// semantics when connections die mid-transaction. It runs against an
// embedded in-memory SQLite only; DATABASE_URL is not read.
//
// The test verifies:
//  1. Concurrent appends don't corrupt each other (Isolation)
//  2. A killed transaction leaves no partial row (Atomicity)
//  3. Committed rows survive a fresh read (Durability)
//  4. The source_event_id uniqueness that backs exactly-once consumption
//     holds under concurrent load (Consistency)
func TestACIDKillDuringWrite(t *testing.T) {
	db, cleanup := testDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS acid_test_ledger (
			event_id        INTEGER PRIMARY KEY,
			source_event_id TEXT NOT NULL UNIQUE,
			principal_id    TEXT NOT NULL,
			event_hash      TEXT NOT NULL,
			created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	const (
		numWriters      = 10
		writesPerWriter = 50
	)

	// Test 1: Concurrent appends — every row lands, no duplicates.
	t.Run("Isolation_ConcurrentWriters", func(t *testing.T) {
		var wg sync.WaitGroup
		errCh := make(chan error, numWriters*writesPerWriter)

		for w := 0; w < numWriters; w++ {
			wg.Add(1)
			go func(writerID int) {
				defer wg.Done()
				principalID := fmt.Sprintf("principal-%d", writerID)
				for i := 0; i < writesPerWriter; i++ {
					sourceID := fmt.Sprintf("src-%d-%d", writerID, i)
					_, err := db.ExecContext(ctx,
						`INSERT INTO acid_test_ledger (source_event_id, principal_id, event_hash) VALUES (?, ?, ?)`,
						sourceID, principalID, fmt.Sprintf("hash-%d-%d", writerID, i),
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
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acid_test_ledger`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		expected := numWriters * writesPerWriter
		if count != expected {
			t.Errorf("expected %d rows, got %d", expected, count)
		}

		var dupes int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM (SELECT source_event_id FROM acid_test_ledger GROUP BY source_event_id HAVING COUNT(*) > 1) AS d`,
		).Scan(&dupes); err != nil {
			t.Fatalf("dupe check: %v", err)
		}
		if dupes > 0 {
			t.Errorf("found %d duplicate source_event_ids, isolation violation", dupes)
		}
	})

	// Test 2: Atomicity — a rolled-back transaction leaves no trace.
	t.Run("Atomicity_RolledBackTx", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO acid_test_ledger (source_event_id, principal_id, event_hash) VALUES (?, ?, ?)`,
			"src-killed", "killed-principal", "should-not-exist",
		)
		if err != nil {
			t.Fatalf("insert in tx: %v", err)
		}

		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		var exists bool
		err = db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM acid_test_ledger WHERE source_event_id = 'src-killed')`,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("existence check: %v", err)
		}
		if exists {
			t.Error("rolled-back row still visible, atomicity violation")
		}
	})

	// Test 3: Consistency — the unique source id admits exactly one winner
	// under a concurrent race, which is what makes consumer redelivery safe.
	t.Run("Consistency_UniqueSourceEventID", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0

		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := db.ExecContext(ctx,
					`INSERT INTO acid_test_ledger (source_event_id, principal_id, event_hash) VALUES (?, ?, ?)`,
					"src-unique-race", "race-principal", "unique",
				)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()
		if successes != 1 {
			t.Errorf("expected exactly 1 successful insert, got %d, constraint violation", successes)
		}
	})

	// Test 4: Durability — committed rows survive a fresh read.
	t.Run("Durability_CommittedDataSurvives", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO acid_test_ledger (source_event_id, principal_id, event_hash) VALUES (?, ?, ?)`,
			"src-durable", "durable-principal", "must-survive",
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		var hash string
		err = db.QueryRowContext(ctx,
			`SELECT event_hash FROM acid_test_ledger WHERE source_event_id = 'src-durable'`,
		).Scan(&hash)
		if err != nil {
			t.Fatalf("read after commit: %v", err)
		}
		if hash != "must-survive" {
			t.Errorf("expected 'must-survive', got %q", hash)
		}
	})

	// Test 5: Kill simulation — cancelling the context mid-transaction
	// must not leave a partial row.
	t.Run("Kill_ContextCancellation", func(t *testing.T) {
		killCtx, cancel := context.WithCancel(ctx)

		tx, err := db.BeginTx(killCtx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}

		_, err = tx.ExecContext(killCtx,
			`INSERT INTO acid_test_ledger (source_event_id, principal_id, event_hash) VALUES (?, ?, ?)`,
			"src-context-killed", "ctx-kill-principal", "context-killed",
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		cancel()
		time.Sleep(10 * time.Millisecond)

		if commitErr := tx.Commit(); commitErr == nil {
			// Commit won the race against cancellation; the row is then
			// legitimately durable and there is nothing left to check.
			return
		}

		var exists bool
		err = db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM acid_test_ledger WHERE source_event_id = 'src-context-killed')`,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("existence check: %v", err)
		}
		if exists {
			t.Error("context-cancelled row still visible, atomicity violation on kill")
		}
	})
}

// testDB returns an embedded in-memory SQLite connection; there is no
// Postgres mode.
func testDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Skipf("sqlite driver not available for ACID test: %v", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serializes writers the way SQLite's writer lock would anyway.
	db.SetMaxOpenConns(1)

	return db, func() {
		db.Close()
	}
}
