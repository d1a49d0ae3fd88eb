// SPDX-License-Identifier: MPL-2.0

package progress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/envmatrix/envmatrix/internal/report"
)

const (
	// DefaultAddr is the listen address used when Config.Addr is empty.
	DefaultAddr = "127.0.0.1:8377"
	// DefaultStartupTimeout bounds how long Start waits for the listener.
	DefaultStartupTimeout = 5 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown in Stop.
	DefaultShutdownTimeout = 5 * time.Second

	readHeaderTimeout = 5 * time.Second
)

type (
	// Source provides the report snapshot served to clients.
	// *report.Aggregator satisfies it.
	Source interface {
		Snapshot() *report.RunReport
	}

	// Config holds the progress server settings.
	Config struct {
		// Addr is the host:port to bind. Port 0 picks a free port.
		Addr            string
		StartupTimeout  time.Duration
		ShutdownTimeout time.Duration
	}

	// Server is a single-use HTTP server exposing live matrix progress.
	// Once stopped or failed, create a new instance.
	Server struct {
		cfg    Config
		source Source
		logger *log.Logger

		state   atomic.Int32
		stateMu sync.Mutex
		lastErr error

		srv      *http.Server
		listener net.Listener
		addr     string

		wg        sync.WaitGroup
		startedCh chan struct{}
		errCh     chan error
	}
)

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// New creates a server that serves snapshots from source.
func New(cfg Config, source Source, logger *log.Logger) *Server {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "progress"})
	}

	s := &Server{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	s.state.Store(int32(StateCreated))
	return s
}

// Start binds the listener and blocks until the server is serving, fails,
// or ctx ends. After Start returns nil, use Err to watch for serve errors.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.transitionToFailed(fmt.Errorf("context cancelled before start: %w", ctx.Err()))
		return s.LastError()
	default:
	}

	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", s.State())
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.cfg.Addr)
	if err != nil {
		s.transitionToFailed(fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err))
		return s.LastError()
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.stateMu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.srv = srv
	s.stateMu.Unlock()

	s.wg.Go(s.serve)

	select {
	case <-s.startedCh:
		s.logger.Info("progress server started", "address", s.Address())
		return nil
	case err := <-s.errCh:
		s.transitionToFailed(err)
		return err
	case <-startupCtx.Done():
		_ = srv.Close()
		s.transitionToFailed(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		return s.LastError()
	}
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop() error {
	if !s.transitionToStopping() {
		s.wg.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.stateMu.Lock()
	srv := s.srv
	s.stateMu.Unlock()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.wg.Wait()
	s.state.Store(int32(StateStopped))
	close(s.errCh)
	s.logger.Info("progress server stopped")
	return shutdownErr
}

// Err returns a channel that receives fatal serve errors. It is closed by Stop.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// LastError returns the error that moved the server to StateFailed.
func (s *Server) LastError() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastErr
}

// Address returns the bound host:port, or "" before the listener exists.
func (s *Server) Address() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.addr
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	addr := s.Address()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

func (s *Server) serve() {
	s.stateMu.Lock()
	srv, listener := s.srv, s.listener
	s.stateMu.Unlock()

	if s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(s.startedCh)
	}

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		select {
		case s.errCh <- fmt.Errorf("serve error: %w", err):
		default:
		}
	}
}

func (s *Server) transitionToFailed(err error) {
	s.stateMu.Lock()
	s.lastErr = err
	s.stateMu.Unlock()
	s.state.Store(int32(StateFailed))
}

func (s *Server) transitionToStopping() bool {
	for {
		current := s.State()
		switch current {
		case StateCreated:
			if s.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if s.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				return true
			}
		default:
			return false
		}
	}
}
