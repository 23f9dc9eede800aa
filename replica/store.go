// Package replica implements the server replication service (C6): a
// durable per-database oplog, handshake, cursor-based pull, and
// conflict-detecting push.
package replica

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-mizu/syncd/proto"
)

// head is the server's current version/cursor for one entity.
type head struct {
	version int64
	cursor  int64
}

// Store persists one database's oplog, per-entity head index, and
// push-dedup index. The in-memory implementation below serves tests;
// a CBOR file-backed Store (see filestore.go), used by the syncd
// binary, satisfies the same interface for the persisted-state layout
// in SPEC_FULL.md §6.
type Store interface {
	// Append assigns the next serverCursor for dbID, stores the
	// entry, updates the head index for (collection, entityId), and
	// records (deviceId, opId) in the dedup index.
	Append(ctx context.Context, dbID string, op proto.SyncOperation) (proto.ServerOplogEntry, error)

	// Since returns, oldest first, up to limit entries with
	// serverCursor > sinceCursor.
	Since(ctx context.Context, dbID string, sinceCursor int64, limit int) ([]proto.ServerOplogEntry, error)

	// Cursor returns the current server cursor for dbID (0 if empty).
	Cursor(ctx context.Context, dbID string) (int64, error)

	// Head returns the current head for (collection, entityID). ok is
	// false if the entity has never been written.
	Head(ctx context.Context, dbID, collection, entityID string) (version int64, cursor int64, ok bool, err error)

	// Dedup reports whether (deviceID, opID) was already accepted for
	// dbID, and at which cursor.
	Dedup(ctx context.Context, dbID, deviceID string, opID int64) (cursor int64, ok bool, err error)

	// MinRetainedCursor reports the oldest cursor still retained for
	// dbID. 0 means no retention bound (the default).
	MinRetainedCursor(ctx context.Context, dbID string) (int64, error)
}

type dbRecord struct {
	mu          sync.RWMutex
	oplog       []proto.ServerOplogEntry
	heads       map[string]head
	dedup       map[string]int64
	counter     int64
	minRetained int64
}

func entityKey(collection, entityID string) string { return collection + "\x00" + entityID }
func dedupKey(deviceID string, opID int64) string {
	return deviceID + "\x00" + strconv.FormatInt(opID, 10)
}

// MemoryStore is an in-memory Store, analogous in spirit to the
// teacher's memory.NewLog()/memory.NewStore() pair but modeling the
// oplog+head+dedup triple this spec requires instead of a single
// change list.
type MemoryStore struct {
	mu sync.Mutex // guards the map of per-db records
	dbs map[string]*dbRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dbs: make(map[string]*dbRecord)}
}

func (s *MemoryStore) record(dbID string) *dbRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dbs[dbID]
	if !ok {
		r = &dbRecord{heads: make(map[string]head), dedup: make(map[string]int64)}
		s.dbs[dbID] = r
	}
	return r
}

func (s *MemoryStore) Append(_ context.Context, dbID string, op proto.SyncOperation) (proto.ServerOplogEntry, error) {
	r := s.record(dbID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	entry := proto.ServerOplogEntry{SyncOperation: op, ServerCursor: r.counter}
	r.oplog = append(r.oplog, entry)
	r.heads[entityKey(op.Collection, op.EntityID)] = head{version: op.EntityVersion, cursor: r.counter}
	r.dedup[dedupKey(op.DeviceID, op.OpID)] = r.counter
	return entry, nil
}

func (s *MemoryStore) Since(_ context.Context, dbID string, sinceCursor int64, limit int) ([]proto.ServerOplogEntry, error) {
	r := s.record(dbID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]proto.ServerOplogEntry, 0, limit)
	for _, e := range r.oplog {
		if e.ServerCursor <= sinceCursor {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context, dbID string) (int64, error) {
	r := s.record(dbID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counter, nil
}

func (s *MemoryStore) Head(_ context.Context, dbID, collection, entityID string) (int64, int64, bool, error) {
	r := s.record(dbID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.heads[entityKey(collection, entityID)]
	return h.version, h.cursor, ok, nil
}

func (s *MemoryStore) Dedup(_ context.Context, dbID, deviceID string, opID int64) (int64, bool, error) {
	r := s.record(dbID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.dedup[dedupKey(deviceID, opID)]
	return c, ok, nil
}

func (s *MemoryStore) MinRetainedCursor(_ context.Context, dbID string) (int64, error) {
	r := s.record(dbID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRetained, nil
}

// Trim discards entries with cursor <= upTo, raising the retention
// floor. Exposed for implementers who opt into bounded retention per
// SPEC_FULL.md §9; unused by default since this spec retains
// indefinitely.
func (s *MemoryStore) Trim(_ context.Context, dbID string, upTo int64) error {
	r := s.record(dbID)
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.oplog[:0]
	for _, e := range r.oplog {
		if e.ServerCursor > upTo {
			kept = append(kept, e)
		}
	}
	r.oplog = kept
	if upTo > r.minRetained {
		r.minRetained = upTo
	}
	return nil
}
