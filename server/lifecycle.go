package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/genepulse/errors"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// Listen binds the configured port, moving to the next free one when it is
// taken, and returns the listener's address
func (s *Server) Listen() (net.Listener, error) {
	port, err := findAvailablePort(s.cfg.Port)
	if err != nil {
		return nil, err
	}
	if port != s.cfg.Port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", s.cfg.Port,
			"actual_port", port,
		)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return ln, nil
}

// Serve starts the hub and serves HTTP on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	s.StartHub()

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Infow("Server ready", "url", "http://"+ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on the configured port and serves until Stop
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop drains HTTP requests, disconnects progress clients and waits for
// connection goroutines, giving up after ShutdownTimeout
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
		shutdownErr = s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	// Hijacked websocket connections are not closed by Shutdown
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()
	if len(clients) > 0 {
		s.logger.Infow("Closing client connections", "count", len(clients))
		for _, client := range clients {
			client.conn.Close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	return errors.Wrap(shutdownErr, "http shutdown")
}
