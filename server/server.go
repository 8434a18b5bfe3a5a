// Package server exposes the pipeline over HTTP: run control under /api/runs,
// a websocket progress feed at /ws/progress and prometheus metrics at /metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pipeline"
	"github.com/teranos/genepulse/pulse/progress"
)

// Orchestrator is the run control the server exposes
type Orchestrator interface {
	StartRun(ctx context.Context, entityIDs []string, providers []string, opts ...pipeline.RunOption) (string, error)
	CancelRun(runID string) error
	GetStatus(ctx context.Context, runID string) (progress.State, error)
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error)
	Stats() pipeline.Stats
	Sources() []string
}

// ProgressFeed is where progress events come from
type ProgressFeed interface {
	Subscribe() *progress.Subscription
	Unsubscribe(sub *progress.Subscription)
	Snapshot() progress.State
}

// EntityReader serves annotation views of single entities
type EntityReader interface {
	EntityView(ctx context.Context, entityID string) (*annotation.View, error)
}

// Config holds server settings
type Config struct {
	Port int
	// AllowedOrigins are origin prefixes accepted for websocket and CORS requests
	AllowedOrigins []string
}

// Server serves run control and live progress
type Server struct {
	cfg      Config
	orch     Orchestrator
	feed     ProgressFeed
	entities EntityReader
	logger   *zap.SugaredLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer *http.Server
	handler    http.Handler

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	hubOnce        sync.Once
	broadcastDrops atomic.Int64
	state          atomic.Int32
}

// New creates a server. Call Start to listen, or mount Handler yourself.
func New(cfg Config, orch Orchestrator, feed ProgressFeed, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		orch:       orch,
		feed:       feed,
		logger:     log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.handler = s.routes()
	return s
}

// WithEntities enables GET /api/entities/{id}
func (s *Server) WithEntities(r EntityReader) *Server {
	s.entities = r
	return s
}

// Handler returns the HTTP handler with every route mounted
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartHub starts the goroutine that owns client channels and forwards
// progress events. Start calls it; tests that only mount Handler call it directly.
func (s *Server) StartHub() {
	s.hubOnce.Do(func() {
		sub := s.feed.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.feed.Unsubscribe(sub)
			s.run(sub)
		}()
	})
}

// run is the hub loop. It is the only writer to client send channels.
func (s *Server) run(sub *progress.Subscription) {
	events := sub.C()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case ev, ok := <-events:
			if !ok {
				s.logger.Warnw("Progress feed closed, websocket clients get no further events")
				events = nil
				continue
			}
			s.broadcast(ProgressMessage{Type: MsgProgress, Event: ev})
		}
	}
}

// handleClientRegister admits a client and sends it the current run
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	client.sendMsg <- SnapshotMessage{Type: MsgSnapshot, State: s.feed.Snapshot()}

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleClientUnregister drops a client whose connection ended
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// broadcast queues msg for every client. Only called from the hub.
func (s *Server) broadcast(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
			s.removeSlowClient(client)
		}
	}
	return sent
}

// removeSlowClient disconnects a client whose queue is full. Only called from the hub.
func (s *Server) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()
	s.logger.Warnw("Client send queue full, removing client",
		"client_id", client.id,
		"total_drops", s.broadcastDrops.Load(),
	)
}

// ClientCount returns the number of connected progress clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
