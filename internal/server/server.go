// Package server owns the listener, hand-off queue, worker pool, and
// cache that together make up one running proxy instance (spec
// component F), plus the ambient Prometheus metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/willkirkmanm/httpcacheproxy/internal/cache"
	"github.com/willkirkmanm/httpcacheproxy/internal/config"
	"github.com/willkirkmanm/httpcacheproxy/internal/handler"
	"github.com/willkirkmanm/httpcacheproxy/internal/logging"
	"github.com/willkirkmanm/httpcacheproxy/internal/metrics"
	"github.com/willkirkmanm/httpcacheproxy/internal/queue"
	"github.com/willkirkmanm/httpcacheproxy/internal/workerpool"
)

// Server accepts TCP connections on a fixed port, hands each one off to a
// fixed-size worker pool through a bounded queue, and serves requests out
// of a shared LRU cache. Its lifecycle mirrors the original design's
// accept-loop-plus-thread-pool, made shutdown-aware (spec.md §9).
type Server struct {
	cfg     *config.Config
	cache   *cache.Cache
	queue   *queue.HandoffQueue
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *logging.Logger

	listener    net.Listener
	metricsHTTP *http.Server
}

// New wires together a Server from cfg. The cache, queue, and worker pool
// are sized from cfg's constants (spec.md §4: MAX_CACHE_SIZE,
// MAX_OBJECT_SIZE, SBUFSIZE, NTHREADS).
func New(cfg *config.Config) *Server {
	logger := logging.NewLogger("httpcacheproxy")
	m := metrics.New()

	c := cache.New(cfg.Cache.MaxCacheSize, cfg.Cache.MaxObjectSize)
	c.OnEvict(func() {
		m.RecordCacheEviction()
	})

	q := queue.New(cfg.Pool.QueueSize)

	h := handler.New(c, nil, logger, m, cfg.Pool.MaxLineSize)
	pool := workerpool.New(cfg.Pool.NumWorkers, q, timeoutHandler{h: h, timeout: cfg.Pool.RequestTimeout}, m)

	return &Server{
		cfg:     cfg,
		cache:   c,
		queue:   q,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// Start binds port, launches the worker pool and the accept loop, and —
// if cfg.Metrics.Enabled — the ambient Prometheus HTTP listener. It
// blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, port string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", port))
	if err != nil {
		return fmt.Errorf("server: listen on port %s: %w", port, err)
	}
	s.listener = ln

	s.pool.Start(ctx)

	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsHTTP = &http.Server{
			Addr:    s.cfg.Metrics.Addr,
			Handler: s.logger.HTTPRequestLogger()(mux),
		}
		go func() {
			if err := s.metricsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error(ctx, "metrics listener failed", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go s.acceptLoop(ctx, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// acceptLoop repeatedly accepts connections and hands them to the queue,
// stopping once the listener is closed (by Shutdown) or ctx is done.
func (s *Server) acceptLoop(ctx context.Context, errCh chan<- error) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errCh <- fmt.Errorf("server: accept: %w", err)
			return
		}

		s.metrics.SetQueueDepth(s.queue.Len())
		if err := s.queue.Insert(ctx, conn); err != nil {
			conn.Close()
			if errors.Is(err, queue.ErrClosed) {
				return
			}
		}
	}
}

// Shutdown stops accepting new connections, closes the hand-off queue so
// workers drain what's buffered and exit, and waits for in-flight workers
// to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.queue.Close()

	if s.metricsHTTP != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.metricsHTTP.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cache exposes the server's cache, for tests.
func (s *Server) Cache() *cache.Cache { return s.cache }

// timeoutHandler gives each connection's handling a context deadline when
// timeout > 0 (spec.md §6's additive RequestTimeout knob; zero means no
// deadline, the original design's behavior). Only the origin dial observes
// that deadline; reads and writes on the client and origin sockets are not
// bounded by it.
type timeoutHandler struct {
	h       *handler.Handler
	timeout time.Duration
}

func (t timeoutHandler) Handle(ctx context.Context, conn net.Conn) {
	if t.timeout <= 0 {
		t.h.Handle(ctx, conn)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	t.h.Handle(ctx, conn)
}
