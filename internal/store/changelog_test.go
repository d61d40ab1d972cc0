// ABOUTME: Integration tests for the batch applier against the reference schema.
// ABOUTME: Uses testutil.NewTestDB; each test runs against a real Postgres testcontainer.
package store_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/scarson/fts-updater/internal/store"
	"github.com/scarson/fts-updater/internal/testutil"
)

func TestApplyBatch_UpdatesSearchStateAndConsumesEntries(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{TextSearchConfig: "english"})

	id := db.InsertMessage(t, "quarterly planning", "<p>budget review</p>")
	if got := db.PendingEntries(t); got != 1 {
		t.Fatalf("pending before apply = %d, want 1", got)
	}

	n, err := conn.ApplyBatch(ctx, 1000)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}
	if got := db.PendingEntries(t); got != 0 {
		t.Errorf("pending after apply = %d, want 0", got)
	}

	ts, secondary := db.SearchState(t, id)
	for _, lexeme := range []string{"'budget'", "'quarter'"} {
		if !strings.Contains(ts, lexeme) {
			t.Errorf("search_tsvector %q missing %s", ts, lexeme)
		}
	}
	if secondary != nil {
		t.Errorf("search_secondary = %q, want NULL when the secondary index is disabled", *secondary)
	}
}

func TestApplyBatch_SecondaryIndex(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{TextSearchConfig: "english", UsingSecondaryIndex: true})

	id := db.InsertMessage(t, "a < b", "<p>body</p>")

	if _, err := conn.ApplyBatch(ctx, 10); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	_, secondary := db.SearchState(t, id)
	if secondary == nil {
		t.Fatal("search_secondary is NULL")
	}
	if want := "a &lt; b <p>body</p>"; *secondary != want {
		t.Errorf("search_secondary = %q, want %q", *secondary, want)
	}
}

func TestApplyBatch_Idempotent(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{TextSearchConfig: "english"})

	id := db.InsertMessage(t, "release notes", "<p>fixed the parser</p>")
	if _, err := conn.ApplyBatch(ctx, 10); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	first, _ := db.SearchState(t, id)

	// Re-queue the same record without changing content.
	if _, err := db.Pool.Exec(ctx, "INSERT INTO fts_update_log (message_id) VALUES ($1)", id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	n, err := conn.ApplyBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ApplyBatch (second): %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}

	if second, _ := db.SearchState(t, id); second != first {
		t.Errorf("search_tsvector changed on reapply: %q -> %q", first, second)
	}
}

func TestApplyBatch_DrainsInOrderedBatches(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{})

	db.InsertMessages(t, 25)

	var got []int
	for {
		n, err := conn.ApplyBatch(ctx, 10)
		if err != nil {
			t.Fatalf("ApplyBatch: %v", err)
		}
		got = append(got, n)
		if n < 10 {
			break
		}
	}
	if want := []int{10, 10, 5}; !slices.Equal(got, want) {
		t.Errorf("batch sizes = %v, want %v", got, want)
	}
	if pending := db.PendingEntries(t); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestApplyBatch_SelectsOldestFirst(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{})

	first := db.InsertMessage(t, "first", "")
	db.InsertMessage(t, "second", "")
	db.InsertMessage(t, "third", "")

	n, err := conn.ApplyBatch(ctx, 1)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}

	if ts, _ := db.SearchState(t, first); !strings.Contains(ts, "'first'") {
		t.Errorf("oldest entry not applied: search_tsvector = %q", ts)
	}
	if pending := db.PendingEntries(t); pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
}

func TestApplyBatch_DuplicateEntriesForOneRecord(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{})

	id := db.InsertMessage(t, "draft", "")
	if _, err := db.Pool.Exec(ctx, "UPDATE messages SET subject = 'final' WHERE id = $1", id); err != nil {
		t.Fatalf("update subject: %v", err)
	}
	if pending := db.PendingEntries(t); pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}

	n, err := conn.ApplyBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("consumed = %d, want 2", n)
	}

	ts, _ := db.SearchState(t, id)
	if !strings.Contains(ts, "'final'") || strings.Contains(ts, "'draft'") {
		t.Errorf("search_tsvector = %q, want current subject only", ts)
	}
}

func TestApplyBatch_MissingRecordIsConsumed(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	conn := db.Connect(t, store.Options{})

	if _, err := db.Pool.Exec(ctx, "INSERT INTO fts_update_log (message_id) VALUES (987654)"); err != nil {
		t.Fatalf("insert orphan entry: %v", err)
	}

	n, err := conn.ApplyBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}
	if pending := db.PendingEntries(t); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestApplyBatch_FailureLeavesEntries(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	// An unknown text search configuration makes every update fail.
	conn := db.Connect(t, store.Options{TextSearchConfig: "no_such_config"})

	db.InsertMessages(t, 3)

	if _, err := conn.ApplyBatch(ctx, 10); err == nil {
		t.Fatal("expected ApplyBatch to fail with an unknown text search config")
	}
	if pending := db.PendingEntries(t); pending != 3 {
		t.Errorf("pending = %d, want 3: a failed batch must not delete any entry", pending)
	}
}

func TestApplyBatch_EmptyLog(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	conn := db.Connect(t, store.Options{})

	n, err := conn.ApplyBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if n != 0 {
		t.Errorf("consumed = %d, want 0", n)
	}
}
