// Package events defines the typed events emitted over the execution stream
// and published to the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/loomline/loomline/pkg/models"
)

type EventType string

// Event bus topic.
const Topic = "loomline.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Full-state frame sent to every new stream subscriber.
	SnapshotEvent EventType = "snapshot"

	// Node lifecycle.
	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"

	// Execution lifecycle.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionWaitingEvent   EventType = "execution.waiting_user"

	// Observational.
	LogEvent           EventType = "log"
	QuestionAskedEvent EventType = "question.asked"
	HeartbeatEvent     EventType = "heartbeat"

	// Planning sessions.
	SessionUpdatedEvent EventType = "session.updated"
)

// Event is implemented by every event payload.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
}

// Snapshot describes the full ledger state at subscribe time so late
// joiners are consistent without racing a concurrent mutation.
type Snapshot struct {
	BaseEvent

	Status      models.ExecutionStatus       `json:"status"`
	CurrentNode string                       `json:"current_node"`
	NodeStates  map[string]*models.NodeState `json:"node_states"`
	Context     map[string]any               `json:"context,omitempty"`
	Error       string                       `json:"error,omitempty"`
}

func (e Snapshot) GetType() EventType { return SnapshotEvent }

type NodeStarted struct {
	BaseEvent

	NodeID    string    `json:"node_id"`
	StartedAt time.Time `json:"started_at"`
}

func (e NodeStarted) GetType() EventType { return NodeStartedEvent }

type NodeCompleted struct {
	BaseEvent

	NodeID   string         `json:"node_id"`
	Output   map[string]any `json:"output,omitempty"`
	NextNode string         `json:"next_node,omitempty"`
}

func (e NodeCompleted) GetType() EventType { return NodeCompletedEvent }

type NodeFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error"`
}

func (e NodeFailed) GetType() EventType { return NodeFailedEvent }

type ExecutionStarted struct {
	BaseEvent

	DefinitionID string         `json:"definition_id"`
	EntryNode    string         `json:"entry_node"`
	Context      map[string]any `json:"context,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	Context    map[string]any `json:"context,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionPaused struct {
	BaseEvent

	PausedAtNode string `json:"paused_at_node"`
}

func (e ExecutionPaused) GetType() EventType { return ExecutionPausedEvent }

type ExecutionResumed struct {
	BaseEvent

	ResumedAtNode string `json:"resumed_at_node"`
}

func (e ExecutionResumed) GetType() EventType { return ExecutionResumedEvent }

type ExecutionWaiting struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Kind   string `json:"kind"` // what input the run is waiting for
}

func (e ExecutionWaiting) GetType() EventType { return ExecutionWaitingEvent }

// Log is purely observational and never changes execution state.
type Log struct {
	BaseEvent

	Level    string         `json:"level"`
	Message  string         `json:"message"`
	NodeID   string         `json:"node_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e Log) GetType() EventType { return LogEvent }

type QuestionAsked struct {
	BaseEvent

	SessionID string          `json:"session_id"`
	Question  models.Question `json:"question"`
	TimeoutAt time.Time       `json:"timeout_at"`
}

func (e QuestionAsked) GetType() EventType { return QuestionAskedEvent }

type Heartbeat struct {
	BaseEvent
}

func (e Heartbeat) GetType() EventType { return HeartbeatEvent }

type SessionUpdated struct {
	BaseEvent

	SessionID string                       `json:"session_id"`
	Status    models.PlanningSessionStatus `json:"status"`
	Phase     string                       `json:"phase,omitempty"`
}

func (e SessionUpdated) GetType() EventType { return SessionUpdatedEvent }
