// Package queue implements the client's persistent offline queue (C4):
// a durable FIFO of pending local operations, rewritten atomically on
// every mutation and deduplicated by opId. The persistence pattern
// (load into memory under a mutex, mutate, write to a temp file,
// fsync, rename into place) follows the teacher's
// blueprints/bot/pkg/session FileStore, adapted from a JSON session
// index to a CBOR-encoded operation queue.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/syncerr"
	"github.com/go-mizu/syncd/wire"
)

// Status is the lifecycle state of a QueuedOperation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// QueuedOperation wraps a SyncOperation with queue bookkeeping.
type QueuedOperation struct {
	Operation     proto.SyncOperation `cbor:"operation"`
	EnqueuedAt    int64               `cbor:"enqueuedAt"`
	RetryCount    int                 `cbor:"retryCount"`
	Status        Status              `cbor:"status"`
	LastError     string              `cbor:"lastError,omitempty"`
	LastAttemptAt *int64              `cbor:"lastAttemptAt,omitempty"`
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Pending  int `cbor:"pending"`
	Retrying int `cbor:"retrying"`
	Failed   int `cbor:"failed"`
	Total    int `cbor:"total"`
}

const fileName = "queue.cbor"

// Queue is a durable, mutex-serialized FIFO of QueuedOperations.
// Reader and engine share one Queue instance; every public method
// serializes on the same mutex, matching spec.md §5's "share the
// queue under a mutex serializing enqueue/acknowledge/get" rule.
type Queue struct {
	dir        string
	maxRetries int
	now        func() time.Time

	mu     sync.Mutex
	open   bool
	ops    []*QueuedOperation
	index  map[int64]int // opId -> index into ops
}

// Options configures a Queue.
type Options struct {
	Dir        string
	MaxRetries int // default 5
	Now        func() time.Time
}

// New constructs a Queue. Call Open before use.
func New(opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{dir: opts.Dir, maxRetries: opts.MaxRetries, now: opts.Now}
}

// Open creates the storage directory if absent and loads the queue
// file, starting empty if the file cannot be read or decoded; that
// load error is neither returned nor logged. Open fails if the queue
// is already open.
func (q *Queue) Open(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.open {
		return syncerr.New(syncerr.Closed, "queue already open")
	}

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return syncerr.Wrap(syncerr.StorageError, "create queue dir", err)
	}

	ops, err := q.loadLocked()
	if err != nil {
		ops = nil // empty queue on a read or decode error
	}

	q.ops = ops
	q.rebuildIndexLocked()
	q.open = true
	return nil
}

// Close marks the queue closed. Subsequent mutating calls fail with a
// Closed syncerr.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = false
	return nil
}

func (q *Queue) path() string { return filepath.Join(q.dir, fileName) }

func (q *Queue) loadLocked() ([]*QueuedOperation, error) {
	data, err := os.ReadFile(q.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ops []*QueuedOperation
	if err := wire.Decode(data, &ops); err != nil {
		return nil, fmt.Errorf("queue: decode: %w", err)
	}
	return ops, nil
}

// saveLocked atomically rewrites the queue file: encode, write to a
// temp file, fsync, then rename over the original.
func (q *Queue) saveLocked() error {
	data, err := wire.Encode(q.ops)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}

	tmp := q.path() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("queue: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queue: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmp, q.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queue: rename temp: %w", err)
	}
	return nil
}

func (q *Queue) rebuildIndexLocked() {
	q.index = make(map[int64]int, len(q.ops))
	for i, op := range q.ops {
		q.index[op.Operation.OpID] = i
	}
}

func (q *Queue) requireOpenLocked() error {
	if !q.open {
		return syncerr.New(syncerr.Closed, "queue is closed")
	}
	return nil
}

// Enqueue appends op as pending, rejecting a duplicate opId. Returns
// whether it was added.
func (q *Queue) Enqueue(op proto.SyncOperation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return false, err
	}
	if _, dup := q.index[op.OpID]; dup {
		return false, nil
	}

	qo := &QueuedOperation{Operation: op, EnqueuedAt: q.now().UnixMilli(), Status: StatusPending}
	q.index[op.OpID] = len(q.ops)
	q.ops = append(q.ops, qo)

	if err := q.saveLocked(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		delete(q.index, op.OpID)
		return false, syncerr.Wrap(syncerr.StorageError, "persist queue", err)
	}
	return true, nil
}

// EnqueueAll enqueues each op not already present, persisting once for
// the whole batch, and returns the count added.
func (q *Queue) EnqueueAll(ops []proto.SyncOperation) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return 0, err
	}

	before := len(q.ops)
	added := 0
	for _, op := range ops {
		if _, dup := q.index[op.OpID]; dup {
			continue
		}
		q.index[op.OpID] = len(q.ops)
		q.ops = append(q.ops, &QueuedOperation{Operation: op, EnqueuedAt: q.now().UnixMilli(), Status: StatusPending})
		added++
	}

	if added == 0 {
		return 0, nil
	}

	if err := q.saveLocked(); err != nil {
		q.ops = q.ops[:before]
		q.rebuildIndexLocked()
		return 0, syncerr.Wrap(syncerr.StorageError, "persist queue", err)
	}
	return added, nil
}

// GetPending returns, without mutation, a FIFO-ordered prefix of
// entries with opId > sinceOpId, optionally including StatusRetrying
// entries, up to limit.
func (q *Queue) GetPending(sinceOpID int64, limit int, includeRetrying bool) ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return nil, err
	}

	out := make([]QueuedOperation, 0, limit)
	for _, qo := range q.ops {
		if qo.Operation.OpID <= sinceOpID {
			continue
		}
		if qo.Status == StatusFailed {
			continue
		}
		if qo.Status == StatusRetrying && !includeRetrying {
			continue
		}
		out = append(out, *qo)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Acknowledge removes every entry with opId <= upToOpID.
func (q *Queue) Acknowledge(upToOpID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return err
	}

	prevOps, prevIndex := q.ops, q.index

	kept := q.ops[:0:0]
	for _, qo := range q.ops {
		if qo.Operation.OpID > upToOpID {
			kept = append(kept, qo)
		}
	}
	q.ops = kept
	q.rebuildIndexLocked()

	if err := q.saveLocked(); err != nil {
		q.ops, q.index = prevOps, prevIndex
		return syncerr.Wrap(syncerr.StorageError, "persist queue", err)
	}
	return nil
}

// Discard removes the single entry matching opID, leaving every other
// entry untouched. Unlike Acknowledge, which advances a FIFO cursor
// and drops every opId up to and including it, Discard targets exactly
// one operation — the right tool when only one queued op has been
// resolved (e.g. a single per-op conflict outcome) and lower opIds
// that are still pending or failed must survive. A missing opID is a
// no-op, not an error.
func (q *Queue) Discard(opID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return err
	}

	idx, ok := q.index[opID]
	if !ok {
		return nil
	}

	prevOps, prevIndex := q.ops, q.index

	kept := make([]*QueuedOperation, 0, len(q.ops)-1)
	kept = append(kept, q.ops[:idx]...)
	kept = append(kept, q.ops[idx+1:]...)
	q.ops = kept
	q.rebuildIndexLocked()

	if err := q.saveLocked(); err != nil {
		q.ops, q.index = prevOps, prevIndex
		return syncerr.Wrap(syncerr.StorageError, "persist queue", err)
	}
	return nil
}

// MarkFailed records a push failure for opId: increments retryCount,
// transitioning to failed once it reaches maxRetries, else retrying.
func (q *Queue) MarkFailed(opID int64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return err
	}

	idx, ok := q.index[opID]
	if !ok {
		return nil
	}

	qo := q.ops[idx]
	qo.RetryCount++
	if cause != nil {
		qo.LastError = cause.Error()
	}
	at := q.now().UnixMilli()
	qo.LastAttemptAt = &at
	if qo.RetryCount >= q.maxRetries {
		qo.Status = StatusFailed
	} else {
		qo.Status = StatusRetrying
	}

	return q.saveLocked()
}

// ResetFailed returns every failed entry to pending with retryCount
// reset to zero.
func (q *Queue) ResetFailed() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return err
	}

	for _, qo := range q.ops {
		if qo.Status == StatusFailed {
			qo.Status = StatusPending
			qo.RetryCount = 0
			qo.LastError = ""
		}
	}
	return q.saveLocked()
}

// GetStats returns counts by status.
func (q *Queue) GetStats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, qo := range q.ops {
		switch qo.Status {
		case StatusPending:
			s.Pending++
		case StatusRetrying:
			s.Retrying++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(q.ops)
	return s, nil
}

// Clear discards every queued operation, for operator recovery.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireOpenLocked(); err != nil {
		return err
	}

	q.ops = nil
	q.index = make(map[int64]int)
	return q.saveLocked()
}
