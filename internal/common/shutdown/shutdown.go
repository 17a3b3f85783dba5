// Package shutdown runs the gateway's HTTP servers and tears the process
// down in order: servers drain first, then cleanup hooks run newest first.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type server struct {
	name string
	srv  *http.Server
}

// Manager owns the servers and cleanup hooks of one process
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	hooks   []hook
	servers []server
	errCh   chan error
}

// New creates a Manager that gives the whole teardown timeout to finish
func New(logger *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
		errCh:   make(chan error, 8),
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// OnShutdown registers fn to run after the servers have drained. Hooks run
// in reverse registration order, so register a dependency before the things
// that use it.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Serve starts srv on its Addr in the background
func (m *Manager) Serve(name string, srv *http.Server) {
	m.start(name, srv, func() error { return srv.ListenAndServe() })
}

// ServeListener starts srv on ln in the background
func (m *Manager) ServeListener(name string, srv *http.Server, ln net.Listener) {
	m.start(name, srv, func() error { return srv.Serve(ln) })
}

func (m *Manager) start(name string, srv *http.Server, serve func() error) {
	m.mu.Lock()
	m.servers = append(m.servers, server{name: name, srv: srv})
	m.mu.Unlock()

	go func() {
		m.logger.Info("Starting server", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- fmt.Errorf("server %s failed: %w", name, err)
		}
	}()
}

// Run blocks until ctx is done or a server fails, then shuts everything
// down. It returns the server failure, if that is what ended the wait.
func (m *Manager) Run(ctx context.Context) error {
	var cause error
	select {
	case <-ctx.Done():
		m.logger.Info("Shutdown requested")
	case cause = <-m.errCh:
		m.logger.Error("Server stopped unexpectedly, shutting down", zap.Error(cause))
	}

	sctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	servers := append([]server(nil), m.servers...)
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	m.drain(sctx, servers)
	m.runHooks(sctx, hooks)

	m.logger.Info("Shutdown complete")
	return cause
}

func (m *Manager) drain(ctx context.Context, servers []server) {
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.srv.Shutdown(ctx); err != nil {
				m.logger.Error("Server shutdown error", zap.String("server", s.name), zap.Error(err))
				return
			}
			m.logger.Info("Server drained", zap.String("server", s.name))
		}()
	}
	wg.Wait()
}

func (m *Manager) runHooks(ctx context.Context, hooks []hook) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			m.logger.Warn("Shutdown timeout reached, skipping remaining hooks",
				zap.String("skipped_hook", h.name),
				zap.Int("remaining", i+1))
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed",
				zap.String("hook", h.name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			continue
		}
		m.logger.Debug("Shutdown hook completed",
			zap.String("hook", h.name),
			zap.Duration("duration", time.Since(start)))
	}
}
