package replica

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/wire"
)

// FileStore persists each database's oplog as a length-prefixed,
// CBOR-framed append-only file under <dir>/<dbId>.log, per
// SPEC_FULL.md §6's persisted-state layout. The head and dedup
// indexes are rebuilt into memory on open by replaying the file once;
// steady-state reads and writes never re-scan it.
type FileStore struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*fileDB
}

type fileDB struct {
	mu      sync.RWMutex
	f       *os.File
	oplog   []proto.ServerOplogEntry
	heads   map[string]head
	dedup   map[string]int64
	counter int64
}

// NewFileStore opens (creating if needed) dir as the root for
// per-database oplog files.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("replica: create oplog dir: %w", err)
	}
	return &FileStore{dir: dir, dbs: make(map[string]*fileDB)}, nil
}

func (s *FileStore) db(dbID string) (*fileDB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dbs[dbID]; ok {
		return d, nil
	}

	path := filepath.Join(s.dir, dbID+".log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replica: open %s: %w", path, err)
	}

	d := &fileDB{f: f, heads: make(map[string]head), dedup: make(map[string]int64)}
	if err := d.replay(); err != nil {
		f.Close()
		return nil, err
	}

	s.dbs[dbID] = d
	return d, nil
}

// replay reconstructs the in-memory oplog/head/dedup state by reading
// every length-prefixed frame from the start of the file. Called once
// on open, under no external lock (the fileDB is not yet published).
func (d *fileDB) replay() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(d.f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("replica: corrupt oplog frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.f, buf); err != nil {
			return fmt.Errorf("replica: truncated oplog frame: %w", err)
		}

		var entry proto.ServerOplogEntry
		if err := wire.Decode(buf, &entry); err != nil {
			return fmt.Errorf("replica: decode oplog entry: %w", err)
		}

		d.oplog = append(d.oplog, entry)
		d.heads[entityKey(entry.Collection, entry.EntityID)] = head{version: entry.EntityVersion, cursor: entry.ServerCursor}
		d.dedup[dedupKey(entry.DeviceID, entry.OpID)] = entry.ServerCursor
		if entry.ServerCursor > d.counter {
			d.counter = entry.ServerCursor
		}
	}

	if _, err := d.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (s *FileStore) Append(_ context.Context, dbID string, op proto.SyncOperation) (proto.ServerOplogEntry, error) {
	d, err := s.db(dbID)
	if err != nil {
		return proto.ServerOplogEntry{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter++
	entry := proto.ServerOplogEntry{SyncOperation: op, ServerCursor: d.counter}

	b, err := wire.Encode(entry)
	if err != nil {
		return proto.ServerOplogEntry{}, err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := d.f.Write(lenBuf[:]); err != nil {
		return proto.ServerOplogEntry{}, fmt.Errorf("replica: write oplog frame: %w", err)
	}
	if _, err := d.f.Write(b); err != nil {
		return proto.ServerOplogEntry{}, fmt.Errorf("replica: write oplog frame: %w", err)
	}
	if err := d.f.Sync(); err != nil {
		return proto.ServerOplogEntry{}, fmt.Errorf("replica: fsync oplog: %w", err)
	}

	d.oplog = append(d.oplog, entry)
	d.heads[entityKey(op.Collection, op.EntityID)] = head{version: op.EntityVersion, cursor: d.counter}
	d.dedup[dedupKey(op.DeviceID, op.OpID)] = d.counter
	return entry, nil
}

func (s *FileStore) Since(_ context.Context, dbID string, sinceCursor int64, limit int) ([]proto.ServerOplogEntry, error) {
	d, err := s.db(dbID)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]proto.ServerOplogEntry, 0, limit)
	for _, e := range d.oplog {
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

func (s *FileStore) Cursor(_ context.Context, dbID string) (int64, error) {
	d, err := s.db(dbID)
	if err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counter, nil
}

func (s *FileStore) Head(_ context.Context, dbID, collection, entityID string) (int64, int64, bool, error) {
	d, err := s.db(dbID)
	if err != nil {
		return 0, 0, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.heads[entityKey(collection, entityID)]
	return h.version, h.cursor, ok, nil
}

func (s *FileStore) Dedup(_ context.Context, dbID, deviceID string, opID int64) (int64, bool, error) {
	d, err := s.db(dbID)
	if err != nil {
		return 0, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.dedup[dedupKey(deviceID, opID)]
	return c, ok, nil
}

func (s *FileStore) MinRetainedCursor(context.Context, string) (int64, error) {
	return 0, nil
}

// Close releases every open per-database file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, d := range s.dbs {
		if err := d.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
