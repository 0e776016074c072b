// Package telemetry defines the observer-facing event stream. Every state
// transition, log line, and rendezvous request of a run is multiplexed onto
// one stream that any number of observers can subscribe to.
package telemetry

import "time"

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventNodeStart      EventType = "node:start"
	EventNodeEnd        EventType = "node:end"
	EventLog            EventType = "log"
	EventProgress       EventType = "progress"
	EventVariableUpdate EventType = "variable:update"
	EventRunEnd         EventType = "run:end"
	// EventRendezvous carries a worker-to-observer request; the category
	// field identifies the affordance being asked for.
	EventRendezvous EventType = "rendezvous:request"
)

// Event is the envelope observers receive. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	NodeStart  *NodeStart         `json:"node_start,omitempty"`
	NodeEnd    *NodeEnd           `json:"node_end,omitempty"`
	Log        *LogEntry          `json:"log,omitempty"`
	Progress   *Progress          `json:"progress,omitempty"`
	Variable   *VariableUpdate    `json:"variable,omitempty"`
	RunEnd     *RunEnd            `json:"run_end,omitempty"`
	Rendezvous *RendezvousRequest `json:"rendezvous,omitempty"`
}

// NodeStart is emitted when the scheduler dispatches a node.
type NodeStart struct {
	NodeID        string `json:"node_id"`
	ModuleType    string `json:"module_type"`
	ConfigPreview string `json:"config_preview,omitempty"`
}

// NodeEnd is emitted when a node's executor returns.
type NodeEnd struct {
	NodeID     string `json:"node_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	LogLevel   string `json:"log_level,omitempty"`
}

// LogEntry mirrors one execution-context log line.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	NodeID     string    `json:"node_id,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Progress is a free-form progress message, e.g. transcoder percentages.
type Progress struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// VariableUpdate is emitted for explicit variable writes.
type VariableUpdate struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// RunStatus is the terminal status reported by RunEnd.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// RunEnd closes a run's event stream. It is emitted exactly once per run.
type RunEnd struct {
	Status        RunStatus `json:"status"`
	ExecutedCount int       `json:"executed_count"`
	FailedCount   int       `json:"failed_count"`
	Error         string    `json:"error,omitempty"`
}

// RendezvousRequest asks observers for a UI affordance (input dialog, script
// evaluation, media playback). The observer answers through the control
// channel with the matching request id.
type RendezvousRequest struct {
	Category  string         `json:"category"`
	RequestID string         `json:"request_id"`
	NodeID    string         `json:"node_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
