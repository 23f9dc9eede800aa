// Package changelog implements the change-log reader (C3): it polls
// the storage engine's write-ahead log at a fixed cadence and
// translates committed transactions into SyncOperations handed to the
// offline queue. Two-pass semantics (analyze, then emit) keep a
// partially written trailing transaction from ever reaching C4. The
// polling-ticker shape follows broadcast.Broadcaster's keepAliveLoop
// in this module.
package changelog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/storagewal"
)

// Sink is the subset of queue.Queue's contract the reader needs. Kept
// narrow so changelog never imports queue, and so tests can use a
// lightweight fake.
type Sink interface {
	Enqueue(op proto.SyncOperation) (bool, error)
}

// LSNStore persists the reader's last-seen log-sequence-number across
// restarts. A nil LSNStore means the reader starts from LSN 0 every
// time, which is acceptable given C4's dedup-by-opId makes at-least-
// once delivery safe.
type LSNStore interface {
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, lsn int64) error
}

// IDGenerator mints opIds and entityVersions for freshly observed
// operations. NextOpID must be strictly increasing and gap-free per
// deviceID; NextEntityVersion must be strictly increasing overall.
type IDGenerator interface {
	NextOpID(deviceID string) int64
	NextEntityVersion() int64
}

// defaultIDGenerator hands out a dense per-device opId counter and a
// wall-clock-derived, monotonicity-clamped entityVersion, per
// spec.md's nextMonotonic(deviceId) / timestampBasedMonotonic().
type defaultIDGenerator struct {
	mu       sync.Mutex
	opSeq    map[string]int64
	lastVers int64
}

func newDefaultIDGenerator() *defaultIDGenerator {
	return &defaultIDGenerator{opSeq: make(map[string]int64)}
}

func (g *defaultIDGenerator) NextOpID(deviceID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opSeq[deviceID]++
	return g.opSeq[deviceID]
}

func (g *defaultIDGenerator) NextEntityVersion() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= g.lastVers {
		now = g.lastVers + 1
	}
	g.lastVers = now
	return now
}

// Options configures a Reader.
type Options struct {
	WAL          storagewal.Reader
	Sink         Sink
	DeviceID     string
	DBID         string
	IDGenerator  IDGenerator   // defaults to defaultIDGenerator
	LSNStore     LSNStore      // optional
	PollInterval time.Duration // default 100ms
	Logger       *slog.Logger
	Now          func() int64 // defaults to time.Now().UnixMilli; overridable for tests
}

// Reader polls a storagewal.Reader and emits SyncOperations into a
// Sink.
type Reader struct {
	wal      storagewal.Reader
	sink     Sink
	deviceID string
	dbID     string
	idGen    IDGenerator
	lsnStore LSNStore
	interval time.Duration
	log      *slog.Logger
	now      func() int64

	mu          sync.Mutex
	lastSeenLSN int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Reader. Call Run to start polling.
func New(opts Options) *Reader {
	if opts.IDGenerator == nil {
		opts.IDGenerator = newDefaultIDGenerator()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Reader{
		wal:      opts.WAL,
		sink:     opts.Sink,
		deviceID: opts.DeviceID,
		dbID:     opts.DBID,
		idGen:    opts.IDGenerator,
		lsnStore: opts.LSNStore,
		interval: opts.PollInterval,
		log:      opts.Logger,
		now:      opts.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called. It blocks; call
// it from its own goroutine.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.doneCh)

	if r.lsnStore != nil {
		lsn, err := r.lsnStore.Get(ctx)
		if err != nil {
			r.log.Warn("changelog: failed to load last-seen LSN, starting from 0", "error", err)
		} else {
			r.mu.Lock()
			r.lastSeenLSN = lsn
			r.mu.Unlock()
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				r.log.Error("changelog: poll failed", "error", err)
			}
		}
	}
}

// Stop halts Run and waits for it to return.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

type txnState struct {
	ops       []storagewal.Record
	committed bool
	maxLSN    int64
}

// poll performs one analyze-then-emit cycle.
func (r *Reader) poll(ctx context.Context) error {
	r.mu.Lock()
	since := r.lastSeenLSN
	r.mu.Unlock()

	records, err := r.wal.ReadFrom(ctx, since)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Analyze pass: group by transaction, tracking commit markers.
	txns := make(map[string]*txnState)
	var order []string
	for _, rec := range records {
		t, ok := txns[rec.TxnID]
		if !ok {
			t = &txnState{}
			txns[rec.TxnID] = t
			order = append(order, rec.TxnID)
		}
		if rec.LSN > t.maxLSN {
			t.maxLSN = rec.LSN
		}
		if rec.Commit {
			t.committed = true
			continue
		}
		t.ops = append(t.ops, rec)
	}

	// Emit pass: only fully committed transactions, in log order. A
	// transaction still missing its commit marker — necessarily the
	// last one seen, since WAL records arrive in LSN order — halts
	// advancement so its records are reconsidered on the next poll.
	advanceTo := since
	for _, txnID := range order {
		t := txns[txnID]
		if !t.committed {
			// break, not skip: under this WAL model an uncommitted txnID
			// can only be the trailing one (records arrive in LSN order,
			// so everything before it already closed), and it may still
			// commit on a later poll. Breaking keeps lastSeenLSN from
			// passing its still-open records so they are reconsidered
			// rather than permanently skipped.
			break
		}
		for _, rec := range t.ops {
			if strings.HasPrefix(rec.CollectionName, "_") {
				continue
			}
			op := r.buildOperation(rec)
			if _, err := r.sink.Enqueue(op); err != nil {
				return err
			}
		}
		if t.maxLSN > advanceTo {
			advanceTo = t.maxLSN
		}
	}

	r.mu.Lock()
	r.lastSeenLSN = advanceTo
	r.mu.Unlock()

	if r.lsnStore != nil && advanceTo != since {
		if err := r.lsnStore.Set(ctx, advanceTo); err != nil {
			r.log.Warn("changelog: failed to persist last-seen LSN", "error", err)
		}
	}
	return nil
}

func (r *Reader) buildOperation(rec storagewal.Record) proto.SyncOperation {
	opType := proto.OpUpsert
	if rec.AfterImage == nil {
		opType = proto.OpDelete
	}

	return proto.SyncOperation{
		OpID:          r.idGen.NextOpID(r.deviceID),
		DBID:          r.dbID,
		DeviceID:      r.deviceID,
		Collection:    rec.CollectionName,
		EntityID:      rec.EntityID,
		OpType:        opType,
		EntityVersion: r.idGen.NextEntityVersion(),
		EntityCbor:    rec.AfterImage,
		TimestampMs:   r.now(),
	}
}
