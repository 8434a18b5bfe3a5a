package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/version"
)

// HandleProgressWebSocket upgrades to the progress feed. The client receives
// a hello, the current run snapshot, then every tracker event.
func (s *Server) HandleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.requestLogger(r).Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server:  s,
		conn:    conn,
		sendMsg: make(chan interface{}, clientBuffer),
		id:      fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	// Written before the pumps start so there is a single writer
	info := version.Get()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(HelloMessage{Type: MsgHello, Version: info.Version, Commit: info.Short()}); err != nil {
		s.logger.Debugw("Failed to send hello", "client_id", client.id, "error", err)
		conn.Close()
		return
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// HandleStartRun starts a run (POST /api/runs) and answers 202 with its id
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req StartRunRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeErrorFor(w, r, errors.Mark(err, errors.ErrInvalidRequest))
		return
	}

	runID, err := s.orch.StartRun(r.Context(), req.EntityIDs, req.Providers, req.options()...)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}

	s.requestLogger(r).Infow("Run accepted",
		"run", shortID(runID),
		"entities", len(req.EntityIDs),
		"providers", req.Providers,
	)
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID, StatusURL: "/api/runs/" + runID})
}

// HandleListRuns lists recent runs (GET /api/runs?limit=N)
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.orch.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// HandleGetRun returns a run with its live or last persisted progress (GET /api/runs/{id}).
// The id "latest" selects the most recent run.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "latest" {
		id = ""
	}

	state, err := s.orch.GetStatus(r.Context(), id)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}

	resp := RunResponse{Progress: state}
	run, err := s.orch.GetRun(r.Context(), state.RunID)
	switch {
	case err == nil:
		resp.Run = run
	case !errors.IsNotFoundError(err):
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCancelRun cancels the active run (DELETE /api/runs/{id})
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.CancelRun(id); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	s.requestLogger(r).Infow("Run cancellation requested", "run", shortID(id))
	writeJSON(w, http.StatusAccepted, CancelResponse{RunID: id, Status: string(progress.RunCancelled)})
}

// HandleGetEntity returns everything stored for one entity (GET /api/entities/{id})
func (s *Server) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		writeError(w, http.StatusServiceUnavailable, "entity reads are not enabled")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "entity id is required")
		return
	}

	view, err := s.entities.EntityView(r.Context(), id)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleHealth reports liveness and pipeline activity
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	state := s.getState()
	status := http.StatusOK
	health := "ok"
	if state != ServerStateRunning {
		status = http.StatusServiceUnavailable
		health = "unavailable"
	}
	writeJSON(w, status, HealthResponse{
		Status:    health,
		Version:   info.Version,
		Commit:    info.Short(),
		State:     state.String(),
		Clients:   s.ClientCount(),
		Pipeline:  s.orch.Stats(),
		Providers: s.orch.Sources(),
	})
}
