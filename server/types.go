package server

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/teranos/genepulse/pipeline"
	"github.com/teranos/genepulse/pulse/progress"
)

const (
	// MaxClients is the maximum number of concurrent progress websocket clients
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for connection goroutines
	ShutdownTimeout = 10 * time.Second

	// clientBuffer is each client's outgoing message queue. A client that
	// falls this far behind is disconnected and resyncs on reconnect.
	clientBuffer = 256

	// maxRunEntities bounds one POST /api/runs
	maxRunEntities = 50000

	// maxBodyBytes bounds request bodies
	maxBodyBytes = 4 << 20
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
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

// Websocket message types on /ws/progress
const (
	MsgHello    = "hello"
	MsgSnapshot = "snapshot"
	MsgProgress = "progress"
)

// HelloMessage is the first message on every progress connection
type HelloMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// SnapshotMessage carries the whole current run so a client can render it before events arrive
type SnapshotMessage struct {
	Type  string         `json:"type"`
	State progress.State `json:"state"`
}

// ProgressMessage forwards one tracker event
type ProgressMessage struct {
	Type  string         `json:"type"`
	Event progress.Event `json:"event"`
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	EntityIDs   []string `json:"entity_ids"`
	Providers   []string `json:"providers,omitempty"`
	FullRefresh bool     `json:"full_refresh,omitempty"`
	FanOut      int      `json:"fan_out,omitempty"`
}

// Validate checks the request shape; the orchestrator checks provider names
func (r StartRunRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EntityIDs, validation.Required, validation.Length(1, maxRunEntities)),
		validation.Field(&r.FanOut, validation.Min(0), validation.Max(64)),
	)
}

// options converts the request into run options
func (r StartRunRequest) options() []pipeline.RunOption {
	var opts []pipeline.RunOption
	if r.FullRefresh {
		opts = append(opts, pipeline.WithFullRefresh())
	}
	if r.FanOut > 0 {
		opts = append(opts, pipeline.WithFanOut(r.FanOut))
	}
	return opts
}

// StartRunResponse acknowledges an accepted run
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// RunResponse is a run's record together with its progress
type RunResponse struct {
	Run      *pipeline.Run  `json:"run,omitempty"`
	Progress progress.State `json:"progress"`
}

// CancelResponse acknowledges a cancellation request
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Commit    string         `json:"commit"`
	State     string         `json:"server_state"`
	Clients   int            `json:"clients"`
	Pipeline  pipeline.Stats `json:"pipeline"`
	Providers []string       `json:"providers"`
}
