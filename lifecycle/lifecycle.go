// Package lifecycle owns the HTTP server's startup and graceful
// shutdown, adapted from the teacher's app.go: SIGINT/SIGTERM trigger
// a bounded drain via http.Server.Shutdown rather than an abrupt exit.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Server owns one http.Server's lifecycle.
type Server struct {
	handler http.Handler
	addr    string
	log     *slog.Logger

	preShutdownDelay time.Duration
	shutdownTimeout  time.Duration

	shuttingDown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle events. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPreShutdownDelay sets the delay between marking the server
// unready (HealthzHandler starts returning 503) and beginning the
// drain, giving a load balancer time to stop routing new requests.
func WithPreShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.preShutdownDelay = d
		}
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for in-flight
// requests to finish before forcing a close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New constructs a Server bound to addr, serving handler.
func New(addr string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		handler:          handler,
		addr:             addr,
		log:              slog.Default(),
		preShutdownDelay: 1 * time.Second,
		shutdownTimeout:  15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HealthzHandler reports 200 while serving and 503 once shutdown has
// begun, so an external load balancer stops sending new traffic.
func (s *Server) HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if s.shuttingDown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
}

// Run blocks, serving HTTP until parent is canceled, a SIGINT/SIGTERM
// arrives, or the handler's ListenAndServe fails outright. Either
// source triggers the same graceful drain.
func (s *Server) Run(parent context.Context) error {
	ctx, stop := notifySignals(parent)
	defer stop()

	srv := &http.Server{Addr: s.addr, Handler: s.handler}
	return s.serveContext(ctx, srv, srv.ListenAndServe)
}

// serveContext runs serveFn until ctx is canceled, then drains: flip
// readiness to unavailable, give a load balancer preShutdownDelay to
// notice, ask srv.Shutdown to finish in-flight requests within
// shutdownTimeout, and force Close if it doesn't.
func (s *Server) serveContext(ctx context.Context, srv *http.Server, serveFn func() error) error {
	log := s.log.With(slog.String("addr", srv.Addr))
	log.Info("server starting")

	errCh := make(chan error, 1)
	go func() {
		err := serveFn()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server start failed", slog.Any("error", err))
		}
		return err
	case <-ctx.Done():
		return s.drain(srv, errCh, log)
	}
}

func (s *Server) drain(srv *http.Server, errCh <-chan error, log *slog.Logger) error {
	start := time.Now()
	s.shuttingDown.Store(true)
	log.Info("shutdown initiated")

	if s.preShutdownDelay > 0 {
		time.Sleep(s.preShutdownDelay)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("graceful shutdown incomplete, forcing close", slog.Any("error", err))
		_ = srv.Close()
	}

	if err := <-errCh; err != nil {
		log.Error("server exit error after shutdown", slog.Any("error", err))
		return err
	}

	log.Info("server stopped gracefully", slog.Duration("duration", time.Since(start)))
	return nil
}
