// Package httpapi wires the server replication service (replica) and
// the event broadcaster (broadcast) onto the HTTP endpoint table named
// in spec.md §6, over stdlib net/http. The generic routing framework
// the teacher carries (mizu's Router/Ctx) was not retrievable beyond
// its test files, and HTTP transport mechanics are explicitly out of
// scope beyond wire framing, so this is a small, concrete
// http.ServeMux mount rather than a reconstruction of that framework.
package httpapi

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-mizu/syncd/broadcast"
	"github.com/go-mizu/syncd/proto"
	"github.com/go-mizu/syncd/replica"
	"github.com/go-mizu/syncd/syncerr"
	"github.com/go-mizu/syncd/wire"
)

// Authenticator authenticates an inbound request, returning the
// caller's deviceId. JWT_SECRET-backed verification is a concrete
// implementation a caller supplies; syncd exposes only this interface
// at the HTTP boundary, per SPEC_FULL.md's domain-stack notes.
type Authenticator interface {
	Authenticate(r *http.Request) (deviceID string, err error)
}

// AllowAll is the zero-friction Authenticator: every request is
// accepted, deviceId taken from the X-Device-ID header. Suitable for
// local development and for tests; production deployments supply
// their own Authenticator.
type AllowAll struct{}

func (AllowAll) Authenticate(r *http.Request) (string, error) {
	return r.Header.Get("X-Device-ID"), nil
}

// Options configures the mux.
type Options struct {
	Service       *replica.Service
	Broadcaster   *broadcast.Broadcaster
	Authenticator Authenticator // defaults to AllowAll{}
	EnableCORS    bool
	AllowedOrigins []string
	Logger        *slog.Logger
}

// sinkAdapter satisfies replica.Sink by translating an appended
// ServerOplogEntry into a broadcast.OperationData and fanning it out,
// excluding the device that produced it (it already knows its own
// write; the live event exists so other devices learn to requestSync).
type sinkAdapter struct {
	b *broadcast.Broadcaster
}

func (a sinkAdapter) Publish(dbID string, entry proto.ServerOplogEntry) {
	a.b.Publish(dbID, broadcast.OperationData{
		OpID:          entry.OpID,
		DBID:          entry.DBID,
		DeviceID:      entry.DeviceID,
		Collection:    entry.Collection,
		EntityID:      entry.EntityID,
		OpType:        string(entry.OpType),
		EntityVersion: entry.EntityVersion,
		TimestampMs:   entry.TimestampMs,
		ServerCursor:  entry.ServerCursor,
	}, entry.DeviceID)
}

// Sink returns a replica.Sink that fans out through b. Wire this into
// replica.Options.Sink before constructing the Service passed here.
func Sink(b *broadcast.Broadcaster) replica.Sink { return sinkAdapter{b: b} }

// NewMux builds the full HTTP surface: /health, /v1/version,
// /v1/handshake, /v1/pull, /v1/push, /v1/stats, /v1/events.
func NewMux(opts Options) http.Handler {
	if opts.Authenticator == nil {
		opts.Authenticator = AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &server{
		svc:    opts.Service,
		bcast:  opts.Broadcaster,
		auth:   opts.Authenticator,
		log:    opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("POST /v1/handshake", s.authenticated(s.handleHandshake))
	mux.Handle("POST /v1/pull", s.authenticated(s.handlePull))
	mux.Handle("POST /v1/push", s.authenticated(s.handlePush))
	mux.Handle("GET /v1/stats", s.authenticated(s.handleStats))
	mux.Handle("GET /v1/events", s.authenticated(s.handleEvents))

	var h http.Handler = mux
	h = s.logging(h)
	h = s.recoverer(h)
	if opts.EnableCORS {
		h = cors(opts.AllowedOrigins)(h)
	}
	h = requestID(h)
	return h
}

type server struct {
	svc   *replica.Service
	bcast *broadcast.Broadcaster
	auth  Authenticator
	log   *slog.Logger
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	v := s.svc.Version()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"current":` + strconv.Itoa(v.Current) + `,"minSupported":` + strconv.Itoa(v.MinSupported) + `}`))
}

func (s *server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req proto.HandshakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.svc.Handshake(r.Context(), req)
	if err != nil && resp.RejectReason != "" {
		writeCBOR(w, http.StatusOK, resp) // rejection is a valid, non-5xx response body
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeCBOR(w, http.StatusOK, resp)
}

func (s *server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req proto.PullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.svc.Pull(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeCBOR(w, http.StatusOK, resp)
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req proto.PushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.svc.Push(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeCBOR(w, http.StatusOK, resp)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	dbID := r.URL.Query().Get("dbId")
	cursor, err := s.svc.Cursor(r.Context(), dbID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var bstats broadcast.Stats
	if s.bcast != nil {
		bstats = s.bcast.Stats()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"cursor":` + strconv.FormatInt(cursor, 10) +
		`,"broadcaster":{"totalSubscribers":` + strconv.Itoa(bstats.TotalSubscribers) + `}}`))
}

// handleEvents mounts the streaming text channel: one frame per event,
// blank-line separated, per spec.md §6.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bcast == nil {
		writeError(w, http.StatusServiceUnavailable, proto.CodeInternal, "live updates are not enabled")
		return
	}

	dbID := r.URL.Query().Get("dbId")
	deviceID := r.URL.Query().Get("deviceId")
	var collections []string
	if raw := r.URL.Query().Get("collections"); raw != "" {
		collections = strings.Split(raw, ",")
	}
	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, proto.CodeInternal, "streaming unsupported")
		return
	}

	events, subID, err := s.bcast.Subscribe(r.Context(), dbID, deviceID, collections, lastEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer s.bcast.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !writeFrame(w, evt) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, evt broadcast.Event) bool {
	payload, err := wire.Encode(evt.Data)
	if err != nil {
		return false
	}
	_, err = w.Write([]byte("event: " + string(evt.Type) + "\n"))
	if err != nil {
		return false
	}
	if evt.ID != "" {
		if _, err := w.Write([]byte("id: " + evt.ID + "\n")); err != nil {
			return false
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write([]byte(base64.StdEncoding.EncodeToString(payload))); err != nil {
		return false
	}
	_, err = w.Write([]byte("\n\n"))
	return err == nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, proto.CodeInvalidRequest, "failed to read request body")
		return false
	}
	if err := wire.Decode(body, v); err != nil {
		writeError(w, http.StatusBadRequest, proto.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

func writeCBOR(w http.ResponseWriter, status int, v any) {
	b, err := wire.Encode(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, proto.CodeInternal, "encode failed")
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, code proto.SyncErrorCode, message string) {
	writeCBOR(w, status, proto.ErrorResponse{Code: code, Message: message})
}

// writeServiceError maps a syncerr.Kind onto an HTTP status and the
// boundary error taxonomy in proto.SyncErrorCode.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := syncerr.KindOf(err)
	switch kind {
	case syncerr.VersionMismatch:
		writeError(w, http.StatusConflict, proto.CodeVersionMismatch, err.Error())
	case syncerr.AuthenticationFailed:
		writeError(w, http.StatusUnauthorized, proto.CodeAuthenticationFailed, err.Error())
	case syncerr.InvalidRequest:
		writeError(w, http.StatusBadRequest, proto.CodeInvalidRequest, err.Error())
	case syncerr.RateLimited:
		writeError(w, http.StatusTooManyRequests, proto.CodeRateLimited, err.Error())
	case syncerr.StorageError:
		writeError(w, http.StatusServiceUnavailable, proto.CodeInternal, err.Error())
	case syncerr.Timeout:
		writeError(w, http.StatusGatewayTimeout, proto.CodeInternal, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, proto.CodeInternal, err.Error())
	}
}

// authenticated enforces s.auth before delegating to next, per the
// Auth column ("required") in spec.md §6.
func (s *server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, proto.CodeAuthenticationFailed, "authentication failed")
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), deviceIDKey{}, deviceID))
		next(w, r)
	})
}

type deviceIDKey struct{}

// DeviceIDFromContext returns the deviceId established by Authenticate,
// for handlers built on top of this package (e.g. scoping /v1/events
// to the authenticated caller).
func DeviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey{}).(string)
	return v
}

// logging emits one structured record per request in the teacher's
// field convention (status, method, path, request_id, duration_ms).
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Info("http request",
			slog.Int("status", rw.status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestIDFromContext(r.Context())),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// recoverer turns a panicking handler into a 500 rather than a crashed
// server, logging the recovered value.
func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", slog.Any("error", rec), slog.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, proto.CodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors applies a minimal allow-list CORS policy, honoring ENABLE_CORS
// and CORS_ALLOWED_ORIGINS from config.
func cors(allowed []string) func(http.Handler) http.Handler {
	allowSet := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allowSet[strings.TrimSpace(o)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowSet["*"]; ok {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else if _, ok := allowSet[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Device-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
