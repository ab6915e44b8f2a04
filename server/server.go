// Package server is the realtime collaboration plane: per-canvas rooms
// over WebSocket plus a thin HTTP read API, both backed by the event
// store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/store"
)

// ServerState tracks the shutdown lifecycle.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

const shutdownTimeout = 10 * time.Second

// EaselServer ties the hub, the store and the HTTP listener together.
type EaselServer struct {
	store  *store.EventStore
	hub    *Hub
	logger *zap.SugaredLogger

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	state      atomic.Int32
}

// New creates a server over a migrated store.
func New(st *store.EventStore, logger *zap.SugaredLogger) *EaselServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &EaselServer{
		store:  st,
		hub:    NewHub(st, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Hub exposes the room manager, mainly for tests and the CLI.
func (s *EaselServer) Hub() *Hub {
	return s.hub
}

func (s *EaselServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *EaselServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start binds the listener and serves until Stop. Blocks. If the
// requested port is taken a nearby one is used and logged.
func (s *EaselServer) Start(port int, wsPath string) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux, wsPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.RunHeartbeat(s.ctx)
	}()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", actualPort),
		Handler: mux,
	}

	s.logger.Infow("Server ready",
		"port", actualPort,
		"ws_path", wsPath,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http listener failed")
	}
	return nil
}

// Stop drains and shuts down: new connections are refused, live
// sessions are closed, the listener stops accepting, and background
// goroutines are waited out.
func (s *EaselServer) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Close every live session; their read pumps unregister them.
	s.hub.mu.RLock()
	sessions := make([]*Session, 0, len(s.hub.sessions))
	for _, sess := range s.hub.sessions {
		sessions = append(sessions, sess)
	}
	s.hub.mu.RUnlock()
	for _, sess := range sessions {
		sess.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown error", "error", err)
		}
	}

	s.cancel()
	s.wg.Wait()
	s.setState(ServerStateStopped)
	s.logger.Infow("Server stopped")
	return nil
}
