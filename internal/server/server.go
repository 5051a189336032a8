// Package server runs the relay: websocket sessions, the HTTP API and the
// stale transfer sweep.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/relay-chat/internal/blob"
	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/internal/reassembly"
	"github.com/omochice/relay-chat/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithPrometheus registers metrics on reg and serves them at /metrics.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) { s.prom = reg }
}

// WithClock overrides the clock used for message timestamps and the sweep.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server owns the session registry and reassembly engine and serves the
// websocket and HTTP endpoints on one listener.
type Server struct {
	cfg   *config.Config
	store store.Store
	blobs blob.Store
	log   *zap.Logger
	now   func() time.Time

	prom     *prometheus.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	tracker  *chat.Tracker
	registry *chat.Registry
	engine   *reassembly.Engine
	sweeper  *Sweeper
	handler  http.Handler

	// ctx outlives individual connections; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	closed   bool
	conns    sync.WaitGroup
}

// New wires a Server from cfg. The store and blob store are owned by the
// caller.
func New(cfg *config.Config, st store.Store, blobs blob.Store, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		store: st,
		blobs: blobs,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prom == nil {
		s.prom = prometheus.NewRegistry()
	}

	s.metrics = metrics.New(s.prom)
	s.tracer = otel.Tracer("github.com/omochice/relay-chat/internal/server")
	s.tracker = chat.NewTracker(st, s.log.Named("delivery"),
		chat.WithAttempts(cfg.Delivery.Attempts),
		chat.WithBackoff(cfg.Delivery.Backoff.Duration()),
		chat.WithWriteTimeout(cfg.Delivery.WriteTimeout.Duration()),
		chat.WithTrackerMetrics(s.metrics),
	)
	s.registry = chat.NewRegistry(s.tracker, s.metrics, s.log.Named("registry"))
	s.engine = reassembly.New(
		reassembly.WithMaxTransferSize(cfg.Transfer.MaxSize.Int64()),
		reassembly.WithClock(s.now),
	)

	sweeper, err := NewSweeper(s.engine, cfg.Transfer.SweepCron, cfg.Transfer.StaleAfter.Duration(), s.metrics, s.log.Named("sweeper"))
	if err != nil {
		return nil, err
	}
	s.sweeper = sweeper

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler { return s.handler }

// Registry returns the live session registry.
func (s *Server) Registry() *chat.Registry { return s.registry }

// Engine returns the reassembly engine.
func (s *Server) Engine() *reassembly.Engine { return s.engine }

// Listen binds the configured address. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv, listener := s.http, s.listener
	s.mu.Unlock()

	s.log.Info("server_started", zap.String("addr", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})
	return g.Wait()
}

// Close closes every session, stops the HTTP server and waits for
// connection handlers and in-flight deliveries. It is safe to call twice.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	s.mu.Unlock()

	s.registry.CloseAll(chat.CloseNormal, "server shutting down")
	s.cancel()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	s.conns.Wait()
	s.tracker.Wait()
	s.log.Info("server_stopped")
	return err
}

// track registers a connection handler; it reports false once Close began.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}
