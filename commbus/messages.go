package commbus

import "time"

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
)

// =============================================================================
// RUN LIFECYCLE EVENTS
// =============================================================================

// RunStarted is emitted when a debugging run begins.
type RunStarted struct {
	RunID         string    `json:"run_id"`
	Model         string    `json:"model"`
	MaxIterations int       `json:"max_iterations"`
	StartedAt     time.Time `json:"started_at"`
}

// Category implements the Message interface.
func (m *RunStarted) Category() string { return string(MessageCategoryEvent) }

// RunCompleted is emitted once per run after it reaches a terminal status.
type RunCompleted struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	TerminalReason string `json:"terminal_reason"`
	IterationCount int    `json:"iteration_count"`
	DurationMS     int    `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *RunCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// STAGE EVENTS
// =============================================================================

// StageStarted is emitted when a stage begins processing.
type StageStarted struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// Category implements the Message interface.
func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted when a stage returns.
type StageCompleted struct {
	RunID      string  `json:"run_id"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"` // "success", "failed"
	NextStatus string  `json:"next_status"`
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// TraceAppended is emitted for every new reasoning step, in order.
type TraceAppended struct {
	RunID     string `json:"run_id"`
	Index     int    `json:"index"`
	Step      string `json:"step"`
	Status    string `json:"status"`
	Iteration int    `json:"iteration"`
}

// Category implements the Message interface.
func (m *TraceAppended) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetActiveRuns asks the run registry for the runs currently executing.
type GetActiveRuns struct{}

// Category implements the Message interface.
func (m *GetActiveRuns) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetActiveRuns) IsQuery() {}

// ActiveRun describes one executing run.
type ActiveRun struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Iteration int       `json:"iteration"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveRunsResponse answers GetActiveRuns.
type ActiveRunsResponse struct {
	Runs []ActiveRun `json:"runs"`
}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// Event type names used with Subscribe.
const (
	TypeRunStarted     = "RunStarted"
	TypeRunCompleted   = "RunCompleted"
	TypeStageStarted   = "StageStarted"
	TypeStageCompleted = "StageCompleted"
	TypeTraceAppended  = "TraceAppended"
	TypeGetActiveRuns  = "GetActiveRuns"
)

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *RunStarted:
		return TypeRunStarted
	case *RunCompleted:
		return TypeRunCompleted
	case *StageStarted:
		return TypeStageStarted
	case *StageCompleted:
		return TypeStageCompleted
	case *TraceAppended:
		return TypeTraceAppended
	case *GetActiveRuns:
		return TypeGetActiveRuns
	default:
		return "Unknown"
	}
}

// RunIDOf returns the run a lifecycle event belongs to, or "" for messages
// not tied to a run.
func RunIDOf(msg Message) string {
	switch m := msg.(type) {
	case *RunStarted:
		return m.RunID
	case *RunCompleted:
		return m.RunID
	case *StageStarted:
		return m.RunID
	case *StageCompleted:
		return m.RunID
	case *TraceAppended:
		return m.RunID
	default:
		return ""
	}
}
