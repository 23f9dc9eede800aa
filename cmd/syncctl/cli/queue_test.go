package cli

import (
	"testing"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/queue"
)

func TestNewQueueCmd_HasSubcommands(t *testing.T) {
	cmd := newQueueCmd()
	want := []string{"inspect", "reset-failed", "clear"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Use == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}

func TestQueueInspect_ReportsStats(t *testing.T) {
	dir := t.TempDir()
	seedQueue(t, dir)

	cmd := newQueueInspectCmd()
	if err := cmd.Flags().Set("dir", dir); err != nil {
		t.Fatalf("set --dir: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}
}

func TestQueueClear_RefusesWithoutYes(t *testing.T) {
	dir := t.TempDir()
	seedQueue(t, dir)

	cmd := newQueueClearCmd()
	if err := cmd.Flags().Set("dir", dir); err != nil {
		t.Fatalf("set --dir: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected clear to refuse without --yes")
	}
}

func TestQueueClear_RemovesEntriesWithYes(t *testing.T) {
	dir := t.TempDir()
	seedQueue(t, dir)

	cmd := newQueueClearCmd()
	if err := cmd.Flags().Set("dir", dir); err != nil {
		t.Fatalf("set --dir: %v", err)
	}
	if err := cmd.Flags().Set("yes", "true"); err != nil {
		t.Fatalf("set --yes: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	q, err := openQueue(dir)
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	defer q.Close()

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("Total = %d, want 0 after clear", stats.Total)
	}
}

func seedQueue(t *testing.T, dir string) {
	t.Helper()
	q := queue.New(queue.Options{Dir: dir})
	if err := q.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	if _, err := q.Enqueue(proto.SyncOperation{OpID: 1, DeviceID: "dev-a", Collection: "c", EntityID: "e1", EntityVersion: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}
