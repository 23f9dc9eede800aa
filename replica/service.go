package replica

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/resolve"
	"github.com/go-mizu/syncd/syncerr"
)

// Sink receives newly appended oplog entries for fan-out. The server
// replication service holds a Sink but does not own it; the event
// broadcaster (package broadcast) is the production implementation.
// Keeping this as a narrow interface avoids a C6<->C7 import cycle:
// neither package imports the other.
type Sink interface {
	Publish(dbID string, entry proto.ServerOplogEntry)
}

// NopSink discards every entry. It is the Service default so replica
// is usable standalone in tests.
type NopSink struct{}

func (NopSink) Publish(string, proto.ServerOplogEntry) {}

// Options configures a Service.
type Options struct {
	Store          Store
	Resolver       resolve.Resolver // defaults to resolve.ServerWins
	Sink           Sink             // defaults to NopSink{}
	ServerVersion  proto.ProtocolVersion
	MaxPullLimit   int // hard ceiling regardless of a request's Limit
	MaxPushBatch   int // hard ceiling on ops per PushRequest
	KnownDatabases func(dbID string) bool // nil = accept any dbID
	Logger         *slog.Logger
}

// Service implements the handshake/pull/push trio against a Store,
// serializing pushes per database per spec.md §5.
type Service struct {
	store    Store
	resolver resolve.Resolver
	sink     Sink
	version  proto.ProtocolVersion
	maxPull  int
	maxPush  int
	known    func(string) bool
	log      *slog.Logger

	pushLocksMu sync.Mutex
	pushLocks   map[string]*sync.Mutex
}

// New constructs a Service from Options, applying documented defaults.
func New(opts Options) *Service {
	if opts.Resolver == nil {
		opts.Resolver = resolve.ServerWins
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.MaxPullLimit <= 0 {
		opts.MaxPullLimit = 1000
	}
	if opts.MaxPushBatch <= 0 {
		opts.MaxPushBatch = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServerVersion.Current == 0 {
		opts.ServerVersion = proto.ProtocolVersion{Current: 1, MinSupported: 1}
	}
	return &Service{
		store:     opts.Store,
		resolver:  opts.Resolver,
		sink:      opts.Sink,
		version:   opts.ServerVersion,
		maxPull:   opts.MaxPullLimit,
		maxPush:   opts.MaxPushBatch,
		known:     opts.KnownDatabases,
		log:       opts.Logger,
		pushLocks: make(map[string]*sync.Mutex),
	}
}

// Version reports the server's advertised protocol version range, for
// the unauthenticated /v1/version endpoint.
func (s *Service) Version() proto.ProtocolVersion { return s.version }

// Cursor exposes the current server cursor for dbID, satisfying the
// accessor half of the C6/C7 cyclic-reference design: the broadcaster
// reads this rather than owning the Service.
func (s *Service) Cursor(ctx context.Context, dbID string) (int64, error) {
	return s.store.Cursor(ctx, dbID)
}

func (s *Service) lockFor(dbID string) *sync.Mutex {
	s.pushLocksMu.Lock()
	defer s.pushLocksMu.Unlock()
	l, ok := s.pushLocks[dbID]
	if !ok {
		l = &sync.Mutex{}
		s.pushLocks[dbID] = l
	}
	return l
}

// Handshake validates protocol compatibility and mints a session.
func (s *Service) Handshake(ctx context.Context, req proto.HandshakeRequest) (proto.HandshakeResponse, error) {
	if !s.version.Compatible(req.ClientProtocolVersion) {
		return proto.HandshakeResponse{
			ServerProtocolVersion: s.version,
			Accepted:              false,
			RejectReason:          proto.RejectVersionMismatch,
		}, syncerr.New(syncerr.VersionMismatch, "client protocol version not supported")
	}

	if s.known != nil && !s.known(req.DBID) {
		return proto.HandshakeResponse{
			ServerProtocolVersion: s.version,
			Accepted:              false,
			RejectReason:          proto.RejectUnknownDatabase,
		}, syncerr.New(syncerr.InvalidRequest, "unknown database")
	}

	cursor, err := s.store.Cursor(ctx, req.DBID)
	if err != nil {
		return proto.HandshakeResponse{}, syncerr.Wrap(syncerr.StorageError, "read server cursor", err)
	}

	return proto.HandshakeResponse{
		ServerProtocolVersion: s.version,
		ServerCursor:          cursor,
		SessionID:             uuid.NewString(),
		Accepted:              true,
	}, nil
}

// Pull returns the next page of oplog entries visible to req.
func (s *Service) Pull(ctx context.Context, req proto.PullRequest) (proto.PullResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > s.maxPull {
		limit = s.maxPull
	}

	minRetained, err := s.store.MinRetainedCursor(ctx, req.DBID)
	if err != nil {
		return proto.PullResponse{}, syncerr.Wrap(syncerr.StorageError, "read retention floor", err)
	}
	if minRetained > 0 && req.SinceCursor < minRetained {
		return proto.PullResponse{}, syncerr.StateLost
	}

	// Fetch one extra to decide hasMore without a second round trip.
	entries, err := s.store.Since(ctx, req.DBID, req.SinceCursor, limit+1)
	if err != nil {
		return proto.PullResponse{}, syncerr.Wrap(syncerr.StorageError, "read oplog", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	filtered := make([]proto.ServerOplogEntry, 0, len(entries))
	for _, e := range entries {
		if req.ExcludeDeviceID != "" && e.DeviceID == req.ExcludeDeviceID {
			continue
		}
		if len(req.Collections) > 0 && !containsStr(req.Collections, e.Collection) {
			continue
		}
		filtered = append(filtered, e)
	}

	next := req.SinceCursor
	if len(entries) > 0 {
		next = entries[len(entries)-1].ServerCursor
	}

	return proto.PullResponse{Ops: filtered, NextCursor: next, HasMore: hasMore}, nil
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Push processes a batch in ascending opId order: idempotent replay,
// conflict detection against the per-entity head, resolver-mediated
// acceptance, and fan-out via the Sink. The whole batch is serialized
// per dbId per spec.md §5.
func (s *Service) Push(ctx context.Context, req proto.PushRequest) (proto.PushResponse, error) {
	if len(req.Ops) > s.maxPush {
		return proto.PushResponse{}, syncerr.New(syncerr.InvalidRequest, "push batch exceeds maxPushBatchSize")
	}

	ops := append([]proto.SyncOperation(nil), req.Ops...)
	sortOpsByOpID(ops)

	lock := s.lockFor(req.DBID)
	lock.Lock()
	defer lock.Unlock()

	var acceptedUpTo int64
	var conflicts []proto.Conflict

	for _, op := range ops {
		if cursor, ok, err := s.store.Dedup(ctx, req.DBID, op.DeviceID, op.OpID); err != nil {
			return proto.PushResponse{}, syncerr.Wrap(syncerr.StorageError, "dedup lookup", err)
		} else if ok {
			_ = cursor
			if op.OpID > acceptedUpTo {
				acceptedUpTo = op.OpID
			}
			continue
		}

		headVersion, _, ok, err := s.store.Head(ctx, req.DBID, op.Collection, op.EntityID)
		if err != nil {
			return proto.PushResponse{}, syncerr.Wrap(syncerr.StorageError, "head lookup", err)
		}

		if ok && headVersion >= op.EntityVersion {
			conflict := proto.Conflict{
				Collection: op.Collection,
				EntityID:   op.EntityID,
				ClientOp:   op,
				ServerState: proto.ServerState{
					EntityVersion: headVersion,
				},
			}
			if _, cbor, lm, err := s.headDetail(ctx, req.DBID, op.Collection, op.EntityID); err == nil {
				conflict.ServerState.EntityCbor = cbor
				conflict.ServerState.LastModified = lm
			}

			resolution := s.resolver.Resolve(conflict)
			switch resolution.Outcome {
			case resolve.TakeServer:
				conflicts = append(conflicts, conflict)
				continue
			case resolve.TakeClient:
				// fall through to acceptance below, using the
				// client's own bytes.
			case resolve.Merged:
				op.EntityCbor = resolution.MergedCbor
			}
		}

		entry, err := s.store.Append(ctx, req.DBID, op)
		if err != nil {
			return proto.PushResponse{}, syncerr.Wrap(syncerr.StorageError, "append oplog", err)
		}
		if op.OpID > acceptedUpTo {
			acceptedUpTo = op.OpID
		}
		s.sink.Publish(req.DBID, entry)
	}

	newCursor, err := s.store.Cursor(ctx, req.DBID)
	if err != nil {
		return proto.PushResponse{}, syncerr.Wrap(syncerr.StorageError, "read server cursor", err)
	}

	return proto.PushResponse{
		AcceptedUpToOpID: acceptedUpTo,
		Conflicts:        conflicts,
		NewServerCursor:  newCursor,
	}, nil
}

// headDetail is a small convenience wrapper so Push can populate a
// Conflict's full ServerState (cbor + lastModified) from the oplog
// entry backing the current head, without widening the Store
// interface with a second lookup method.
func (s *Service) headDetail(ctx context.Context, dbID, collection, entityID string) (int64, []byte, *int64, error) {
	_, cursor, ok, err := s.store.Head(ctx, dbID, collection, entityID)
	if err != nil || !ok {
		return 0, nil, nil, err
	}
	entries, err := s.store.Since(ctx, dbID, cursor-1, 1)
	if err != nil || len(entries) == 0 {
		return 0, nil, nil, err
	}
	e := entries[0]
	ts := e.TimestampMs
	return e.EntityVersion, e.EntityCbor, &ts, nil
}

func sortOpsByOpID(ops []proto.SyncOperation) {
	// Batches are already small (<= maxPushBatch); insertion sort
	// keeps this allocation-free and stable for equal opIds.
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].OpID < ops[j-1].OpID; j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}
