// Package engine implements the client-side sync engine (C8): a
// single-flight state machine driving handshake -> pull -> push ->
// synced cycles, with exponential backoff on recoverable failures.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/queue"
	"github.com/go-mizu/syncd/resolve"
	"github.com/go-mizu/syncd/syncerr"
)

// State names a position in the engine's finite state machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StatePulling    State = "pulling"
	StatePushing    State = "pushing"
	StateSynced     State = "synced"
	StateError      State = "error"
)

// Transition is one emission on the state stream.
type Transition struct {
	State State
	Err   error // set only for StateError
	Fatal bool  // set only for StateError
}

// Transport is the network-facing half of the engine: a handshake,
// pull, and push trio matching replica.Service's own method set, so
// the service can be wired in directly for tests and an HTTP client
// adapter stands in for it in production.
type Transport interface {
	Handshake(ctx context.Context, req proto.HandshakeRequest) (proto.HandshakeResponse, error)
	Pull(ctx context.Context, req proto.PullRequest) (proto.PullResponse, error)
	Push(ctx context.Context, req proto.PushRequest) (proto.PushResponse, error)
}

// Applier applies pulled oplog entries to local storage. Out of
// scope beyond this interface: the embedded storage engine itself.
type Applier interface {
	Apply(ctx context.Context, entries []proto.ServerOplogEntry) error
}

// Queue is the subset of queue.Queue's contract the engine drains
// from. queue.Queue satisfies this directly.
type Queue interface {
	GetPending(sinceOpID int64, limit int, includeRetrying bool) ([]queue.QueuedOperation, error)
	Acknowledge(upToOpID int64) error
	MarkFailed(opID int64, cause error) error
	Discard(opID int64) error
}

// CursorStore persists the client's last-seen server cursor across
// restarts.
type CursorStore interface {
	Get(ctx context.Context, dbID string) (int64, error)
	Set(ctx context.Context, dbID string, cursor int64) error
}

// Options configures an Engine.
type Options struct {
	Transport        Transport
	Applier          Applier
	Queue            Queue
	Resolver         resolve.Resolver // defaults to resolve.ServerWins
	Cursor           CursorStore      // optional; nil means the cursor resets to 0 each run
	ClientVersion    int
	DeviceID         string
	DBID             string
	PullPageSize     int // per-request Limit, default 200
	MaxPullPerCycle  int // ceiling across all pages in one pulling phase, default 5000
	MaxPushBatchSize int // default 50
	Logger           *slog.Logger
}

// Engine drives one sync cycle at a time. Additional RequestSync
// calls while a cycle is already running are no-ops, per spec.md
// §4.8's single-flight rule.
type Engine struct {
	transport Transport
	applier   Applier
	queue     Queue
	resolver  resolve.Resolver
	cursors   CursorStore

	clientVersion    int
	deviceID         string
	dbID             string
	pullPageSize     int
	maxPullPerCycle  int
	maxPushBatchSize int
	log              *slog.Logger

	mu      sync.Mutex
	state   State
	running bool

	stream chan Transition
	bo     *backoff.ExponentialBackOff
}

// New constructs an Engine in the idle state.
func New(opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = resolve.ServerWins
	}
	if opts.PullPageSize <= 0 {
		opts.PullPageSize = 200
	}
	if opts.MaxPullPerCycle <= 0 {
		opts.MaxPullPerCycle = 5000
	}
	if opts.MaxPushBatchSize <= 0 {
		opts.MaxPushBatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientVersion == 0 {
		opts.ClientVersion = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // retry indefinitely; the engine itself gates retries, not backoff.Retry

	return &Engine{
		transport:        opts.Transport,
		applier:          opts.Applier,
		queue:            opts.Queue,
		resolver:         opts.Resolver,
		cursors:          opts.Cursor,
		clientVersion:    opts.ClientVersion,
		deviceID:         opts.DeviceID,
		dbID:             opts.DBID,
		pullPageSize:     opts.PullPageSize,
		maxPullPerCycle:  opts.MaxPullPerCycle,
		maxPushBatchSize: opts.MaxPushBatchSize,
		log:              opts.Logger,
		state:            StateIdle,
		stream:           make(chan Transition, 16),
		bo:               bo,
	}
}

// StateStream returns the channel every transition is emitted on.
func (e *Engine) StateStream() <-chan Transition { return e.stream }

// State reports the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RequestSync starts a cycle if the engine is idle; otherwise it is a
// no-op, since a cycle is already in progress.
func (e *Engine) RequestSync(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.runCycle(ctx)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.emit(Transition{State: s})
}

func (e *Engine) setError(err error) {
	kind := syncerr.KindOf(err)
	fatal := syncerr.IsFatal(kind)
	e.mu.Lock()
	e.state = StateError
	e.mu.Unlock()
	e.emit(Transition{State: StateError, Err: err, Fatal: fatal})
}

func (e *Engine) emit(t Transition) {
	select {
	case e.stream <- t:
	default:
		// stateStream is advisory; a slow consumer must not stall the
		// engine. Drop the oldest queued transition to make room.
		select {
		case <-e.stream:
		default:
		}
		select {
		case e.stream <- t:
		default:
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.setState(StateConnecting)
	sessionCursor, err := e.handshake(ctx)
	if err != nil {
		e.fail(err)
		return
	}

	e.setState(StatePulling)
	if err := e.pullPhase(ctx, sessionCursor); err != nil {
		e.fail(err)
		return
	}

	e.setState(StatePushing)
	if err := e.pushPhase(ctx); err != nil {
		e.fail(err)
		return
	}

	e.bo.Reset()
	e.setState(StateSynced)
	e.setState(StateIdle)
}

// fail classifies err and schedules a backoff-delayed retry for
// recoverable failures; fatal failures leave the engine in error with
// no automatic retry, per spec.md §4.8.
func (e *Engine) fail(err error) {
	e.setError(err)
	if syncerr.IsFatal(syncerr.KindOf(err)) {
		return
	}
	delay := e.bo.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	time.AfterFunc(delay, func() {
		e.RequestSync(context.Background())
	})
}

func (e *Engine) handshake(ctx context.Context) (int64, error) {
	lastCursor := int64(0)
	if e.cursors != nil {
		c, err := e.cursors.Get(ctx, e.dbID)
		if err == nil {
			lastCursor = c
		}
	}

	resp, err := e.transport.Handshake(ctx, proto.HandshakeRequest{
		ClientProtocolVersion: e.clientVersion,
		DeviceID:              e.deviceID,
		DBID:                  e.dbID,
		LastCursor:            lastCursor,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Accepted {
		return 0, syncerr.New(syncerr.VersionMismatch, "handshake rejected: "+string(resp.RejectReason))
	}
	return lastCursor, nil
}

// pullPhase issues successive PullRequests, advancing sinceCursor each
// response, until hasMore is false or the per-cycle ceiling is hit.
func (e *Engine) pullPhase(ctx context.Context, sinceCursor int64) error {
	pulled := 0
	for {
		if e.maxPullPerCycle > 0 && pulled >= e.maxPullPerCycle {
			break
		}

		resp, err := e.transport.Pull(ctx, proto.PullRequest{
			DBID:            e.dbID,
			SinceCursor:     sinceCursor,
			Limit:           e.pullPageSize,
			ExcludeDeviceID: e.deviceID,
		})
		if err != nil {
			return err
		}

		if len(resp.Ops) > 0 {
			if e.applier != nil {
				if err := e.applier.Apply(ctx, resp.Ops); err != nil {
					return syncerr.Wrap(syncerr.Internal, "apply pulled operations", err)
				}
			}
			pulled += len(resp.Ops)
		}

		sinceCursor = resp.NextCursor
		if e.cursors != nil {
			if err := e.cursors.Set(ctx, e.dbID, sinceCursor); err != nil {
				e.log.Warn("engine: failed to persist cursor", "error", err)
			}
		}

		if !resp.HasMore {
			break
		}
	}
	return nil
}

// pushPhase drains the offline queue in batches, acknowledging
// accepted operations and acting on each conflict's resolution.
func (e *Engine) pushPhase(ctx context.Context) error {
	var sinceOpID int64
	for {
		pending, err := e.queue.GetPending(sinceOpID, e.maxPushBatchSize, true)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		ops := make([]proto.SyncOperation, len(pending))
		for i, qo := range pending {
			ops[i] = qo.Operation
		}

		resp, err := e.transport.Push(ctx, proto.PushRequest{DBID: e.dbID, DeviceID: e.deviceID, Ops: ops})
		if err != nil {
			for _, qo := range pending {
				_ = e.queue.MarkFailed(qo.Operation.OpID, err)
			}
			return err
		}

		if resp.AcceptedUpToOpID > 0 {
			if err := e.queue.Acknowledge(resp.AcceptedUpToOpID); err != nil {
				return err
			}
		}

		for _, conflict := range resp.Conflicts {
			e.handleConflict(conflict)
		}

		maxOpID := pending[len(pending)-1].Operation.OpID
		progressed := resp.AcceptedUpToOpID > sinceOpID || len(resp.Conflicts) > 0
		if !progressed {
			break
		}
		sinceOpID = maxOpID
	}
	return nil
}

// handleConflict invokes the resolver and acts on its verdict: a
// takeServer outcome discards exactly the conflicting opId (the
// server's value stands and this one operation is resolved, but any
// other queued opId — including a lower one still pending or already
// failed — is left untouched); takeClient or merged marks it failed so
// it re-enters the retry queue for a later push attempt, by which time
// the caller is expected to have reconciled entityVersion locally.
// Acknowledge is deliberately not used here: it drops every opId up to
// and including its argument, which would silently discard an
// unrelated lower-opId operation still awaiting its own resolution.
func (e *Engine) handleConflict(conflict proto.Conflict) {
	resolution := e.resolver.Resolve(conflict)
	switch resolution.Outcome {
	case resolve.TakeServer:
		_ = e.queue.Discard(conflict.ClientOp.OpID)
	case resolve.TakeClient, resolve.Merged:
		_ = e.queue.MarkFailed(conflict.ClientOp.OpID, syncerr.New(syncerr.Conflict, "retrying after conflict resolution"))
	}
}
