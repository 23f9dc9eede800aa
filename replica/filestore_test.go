package replica

import (
	"context"
	"testing"

	"github.com/go-mizu/syncd/proto"
)

func TestFileStore_AppendAndReopen_ReplaysState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	entry, err := store.Append(ctx, "db1", proto.SyncOperation{
		OpID: 1, DeviceID: "dev-a", Collection: "notes", EntityID: "n1",
		OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.ServerCursor != 1 {
		t.Fatalf("ServerCursor = %d, want 1", entry.ServerCursor)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	defer reopened.Close()

	cursor, err := reopened.Cursor(ctx, "db1")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != 1 {
		t.Fatalf("Cursor after reopen = %d, want 1", cursor)
	}

	version, _, ok, err := reopened.Head(ctx, "db1", "notes", "n1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !ok || version != 1 {
		t.Fatalf("Head after reopen = (%d, %v), want (1, true)", version, ok)
	}

	_, dup, err := reopened.Dedup(ctx, "db1", "dev-a", 1)
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if !dup {
		t.Fatal("expected dedup entry to survive reopen")
	}

	entries, err := reopened.Since(ctx, "db1", 0, 10)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "n1" {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
}

func TestFileStore_SeparateDatabasesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Append(ctx, "db1", proto.SyncOperation{OpID: 1, DeviceID: "dev-a", Collection: "c", EntityID: "e1", EntityVersion: 1}); err != nil {
		t.Fatalf("Append db1: %v", err)
	}
	if _, err := store.Append(ctx, "db2", proto.SyncOperation{OpID: 1, DeviceID: "dev-a", Collection: "c", EntityID: "e1", EntityVersion: 1}); err != nil {
		t.Fatalf("Append db2: %v", err)
	}

	c1, _ := store.Cursor(ctx, "db1")
	c2, _ := store.Cursor(ctx, "db2")
	if c1 != 1 || c2 != 1 {
		t.Fatalf("expected independent cursors, got db1=%d db2=%d", c1, c2)
	}
}
