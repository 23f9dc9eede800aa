package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/queue"
	"github.com/go-mizu/syncd/replica"
	"github.com/go-mizu/syncd/resolve"
)

type fakeApplier struct {
	applied []proto.ServerOplogEntry
}

func (a *fakeApplier) Apply(_ context.Context, entries []proto.ServerOplogEntry) error {
	a.applied = append(a.applied, entries...)
	return nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Options{Dir: t.TempDir()})
	if err := q.Open(context.Background()); err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func drainUntil(t *testing.T, stream <-chan Transition, want State, timeout time.Duration) Transition {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case tr := <-stream:
			if tr.State == want {
				return tr
			}
			if tr.State == StateError {
				t.Fatalf("engine entered error state while waiting for %v: %v", want, tr.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestEngine_RoundTrip_IdleToSynced(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store})
	q := newTestQueue(t)
	applier := &fakeApplier{}

	if _, err := q.Enqueue(proto.SyncOperation{
		OpID: 1, DBID: "db1", DeviceID: "client-a", Collection: "notes",
		EntityID: "n1", OpType: proto.OpUpsert, EntityVersion: 1,
		EntityCbor: []byte("hello"), TimestampMs: 1000,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	eng := New(Options{Transport: svc, Applier: applier, Queue: q, DeviceID: "client-a", DBID: "db1"})

	eng.RequestSync(context.Background())
	drainUntil(t, eng.StateStream(), StateSynced, 2*time.Second)

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected the queue to be drained, got %+v", stats)
	}

	entries, err := store.Since(context.Background(), "db1", 0, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "n1" {
		t.Fatalf("unexpected server state: %+v", entries)
	}
}

func TestEngine_PullsPeerOperations(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store})

	// Another device already pushed directly to the service.
	if _, err := svc.Push(context.Background(), proto.PushRequest{
		DBID: "db1", DeviceID: "client-b",
		Ops: []proto.SyncOperation{{OpID: 1, DBID: "db1", DeviceID: "client-b", Collection: "notes", EntityID: "n9", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("x"), TimestampMs: 1}},
	}); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	q := newTestQueue(t)
	applier := &fakeApplier{}
	eng := New(Options{Transport: svc, Applier: applier, Queue: q, DeviceID: "client-a", DBID: "db1"})

	eng.RequestSync(context.Background())
	drainUntil(t, eng.StateStream(), StateSynced, 2*time.Second)

	if len(applier.applied) != 1 || applier.applied[0].EntityID != "n9" {
		t.Fatalf("expected to apply the peer's operation, got %+v", applier.applied)
	}
}

func TestEngine_RequestSync_NoopWhileRunning(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store})
	q := newTestQueue(t)
	eng := New(Options{Transport: svc, Applier: &fakeApplier{}, Queue: q, DeviceID: "client-a", DBID: "db1"})

	eng.RequestSync(context.Background())
	eng.RequestSync(context.Background()) // should be a no-op, not a second concurrent cycle

	drainUntil(t, eng.StateStream(), StateSynced, 2*time.Second)
}

func TestEngine_FatalHandshakeLeavesEngineInError(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store, ServerVersion: proto.ProtocolVersion{Current: 5, MinSupported: 5}})
	q := newTestQueue(t)
	eng := New(Options{Transport: svc, Applier: &fakeApplier{}, Queue: q, DeviceID: "client-a", DBID: "db1", ClientVersion: 1})

	eng.RequestSync(context.Background())

	tr := drainUntil(t, eng.StateStream(), StateError, 2*time.Second)
	if !tr.Fatal {
		t.Fatalf("expected a fatal transition, got %+v", tr)
	}
}

func TestEngine_ConflictServerWins_DiscardsLocalOp(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store, Resolver: resolve.ServerWins})

	// Seed a conflicting version from another device.
	if _, err := svc.Push(context.Background(), proto.PushRequest{
		DBID: "db1", DeviceID: "client-b",
		Ops: []proto.SyncOperation{{OpID: 1, DBID: "db1", DeviceID: "client-b", Collection: "notes", EntityID: "n1", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("server"), TimestampMs: 1}},
	}); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	q := newTestQueue(t)
	if _, err := q.Enqueue(proto.SyncOperation{OpID: 1, DBID: "db1", DeviceID: "client-a", Collection: "notes", EntityID: "n1", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("client"), TimestampMs: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	eng := New(Options{Transport: svc, Applier: &fakeApplier{}, Queue: q, DeviceID: "client-a", DBID: "db1", Resolver: resolve.ServerWins})

	eng.RequestSync(context.Background())
	drainUntil(t, eng.StateStream(), StateSynced, 2*time.Second)

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected the conflicting local op to be discarded, got %+v", stats)
	}
}

func TestEngine_ConflictServerWins_DoesNotTruncateLowerFailedOp(t *testing.T) {
	store := replica.NewMemoryStore()
	svc := replica.New(replica.Options{Store: store, Resolver: resolve.ServerWins})

	if _, err := svc.Push(context.Background(), proto.PushRequest{
		DBID: "db1", DeviceID: "client-b",
		Ops: []proto.SyncOperation{{OpID: 1, DBID: "db1", DeviceID: "client-b", Collection: "notes", EntityID: "n2", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("server"), TimestampMs: 1}},
	}); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	q := newTestQueue(t)
	if _, err := q.Enqueue(proto.SyncOperation{OpID: 1, DBID: "db1", DeviceID: "client-a", Collection: "notes", EntityID: "n1", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("stuck"), TimestampMs: 1}); err != nil {
		t.Fatalf("enqueue op 1: %v", err)
	}
	// Drive op 1 to StatusFailed so GetPending skips it and it never
	// enters a push batch alongside op 2.
	for i := 0; i < 5; i++ {
		if err := q.MarkFailed(1, errUnreachable); err != nil {
			t.Fatalf("markFailed: %v", err)
		}
	}
	if _, err := q.Enqueue(proto.SyncOperation{OpID: 2, DBID: "db1", DeviceID: "client-a", Collection: "notes", EntityID: "n2", OpType: proto.OpUpsert, EntityVersion: 1, EntityCbor: []byte("client"), TimestampMs: 2}); err != nil {
		t.Fatalf("enqueue op 2: %v", err)
	}

	eng := New(Options{Transport: svc, Applier: &fakeApplier{}, Queue: q, DeviceID: "client-a", DBID: "db1", Resolver: resolve.ServerWins})

	eng.RequestSync(context.Background())
	drainUntil(t, eng.StateStream(), StateSynced, 2*time.Second)

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected op 1 to remain failed rather than be truncated away, got %+v", stats)
	}
	if stats.Total != 1 {
		t.Fatalf("expected only op 2 to be resolved away, got %+v", stats)
	}
}

var errUnreachable = errors.New("simulated push failure")
