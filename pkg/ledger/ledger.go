// Package ledger implements the durable execution record and its state
// machine. Every mutation is serialized per execution id and follows a
// copy-mutate-save-broadcast discipline: either the full transition commits
// or none of it does, and observers only see saved states.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomline/loomline/pkg/events"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

// Broadcaster receives every committed mutation as an event. The broadcast
// hub and the event bus both sit behind this interface.
type Broadcaster interface {
	Broadcast(executionID string, event events.Event)
}

// NopBroadcaster discards events; useful in tests.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, events.Event) {}

// MultiBroadcaster fans one committed event out to several broadcasters,
// typically the stream hub and the event bus bridge.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(executionID string, event events.Event) {
	for _, b := range m {
		b.Broadcast(executionID, event)
	}
}

type Ledger struct {
	executions  persistence.ExecutionRepository
	broadcaster Broadcaster
	logger      *slog.Logger

	locks sync.Map // execution id -> *sync.Mutex
}

func NewLedger(executions persistence.ExecutionRepository, broadcaster Broadcaster, logger *slog.Logger) *Ledger {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}

	return &Ledger{
		executions:  executions,
		broadcaster: broadcaster,
		logger:      logger.With("module", "ledger"),
	}
}

// lock returns the per-execution mutex, creating it on first use. Mutations
// to different executions proceed in parallel; two callbacks for the same
// execution never race on cursor or context.
func (l *Ledger) lock(executionID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(executionID, &sync.Mutex{})

	return mu.(*sync.Mutex)
}

// Get loads an execution by id.
func (l *Ledger) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return l.executions.GetByID(ctx, executionID)
}

// List returns executions in the given status.
func (l *Ledger) List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	return l.executions.ListByStatus(ctx, status)
}

// Start creates a new execution in running state with the cursor at the
// definition's entry node. The definition graph is captured by deep copy.
func (l *Ledger) Start(ctx context.Context, def *models.Definition, initialContext map[string]any) (*models.Execution, error) {
	entry, ok := def.Entry()
	if !ok {
		return nil, fmt.Errorf("definition %s has no unambiguous entry node", def.ID)
	}

	now := time.Now().UTC()

	execution := &models.Execution{
		ID:           "exec-" + uuid.New().String(),
		DefinitionID: def.ID,
		Graph:        def.Clone(),
		Status:       models.ExecutionStatusRunning,
		CurrentNode:  entry.ID,
		Context:      map[string]any{},
		NodeStates:   make(map[string]*models.NodeState, len(def.Nodes)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for k, v := range def.InitialContext {
		execution.Context[k] = v
	}

	for k, v := range initialContext {
		execution.Context[k] = v
	}

	for _, n := range def.Nodes {
		execution.NodeStates[n.ID] = &models.NodeState{Status: models.NodeStatusPending}
	}

	if err := l.executions.Save(ctx, execution); err != nil {
		return nil, err
	}

	event := events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID),
		DefinitionID: def.ID,
		EntryNode:    entry.ID,
		Context:      execution.Context,
	}
	l.broadcaster.Broadcast(execution.ID, event)

	l.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID,
		"definition_id", def.ID,
		"entry_node", entry.ID,
	)

	return execution, nil
}

// mutate runs fn against a deep copy of the execution under the per-id lock
// and commits the copy only when fn succeeds. Events returned by fn are
// broadcast after the save commits.
func (l *Ledger) mutate(
	ctx context.Context,
	executionID string,
	fn func(execution *models.Execution) ([]events.Event, error),
) (*models.Execution, error) {
	mu := l.lock(executionID)
	mu.Lock()
	defer mu.Unlock()

	current, err := l.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	working := current.Clone()

	emitted, err := fn(working)
	if err != nil {
		return nil, err
	}

	working.UpdatedAt = time.Now().UTC()

	if err := l.executions.Save(ctx, working); err != nil {
		return nil, fmt.Errorf("failed to commit execution %s: %w", executionID, err)
	}

	for _, event := range emitted {
		l.broadcaster.Broadcast(executionID, event)
	}

	return working, nil
}

// guardMutable rejects mutations against terminal executions so stale or
// duplicate delegates can detect they are talking to a dead run.
func guardMutable(execution *models.Execution) error {
	if execution.Status.IsTerminal() {
		return fmt.Errorf("execution %s: %w", execution.ID, models.ErrExecutionTerminal)
	}

	return nil
}

// NodeStarted marks a node running and moves the cursor onto it.
func (l *Ledger) NodeStarted(ctx context.Context, executionID, nodeID string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if err := guardMutable(execution); err != nil {
			return nil, err
		}

		if execution.Status != models.ExecutionStatusRunning {
			return nil, fmt.Errorf("cannot start node while %s: %w", execution.Status, models.ErrInvalidTransition)
		}

		if _, ok := execution.Graph.FindNode(nodeID); !ok {
			return nil, fmt.Errorf("node %s not in execution graph: %w", nodeID, models.ErrUnknownNode)
		}

		state := execution.NodeState(nodeID)
		if state.Status.IsTerminal() {
			return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNodeStateFinal)
		}

		now := time.Now().UTC()
		state.Status = models.NodeStatusRunning
		state.StartedAt = &now
		execution.NodeStates[nodeID] = state
		execution.CurrentNode = nodeID

		event := events.NodeStarted{
			BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, executionID),
			NodeID:    nodeID,
			StartedAt: now,
		}

		return []events.Event{event}, nil
	})
}

// NodeCompleted records a node's result, merges the context patch and
// advances the cursor. When the completed node has no outgoing edge and no
// explicit next node, the execution completes.
//
// Replays of an identical terminal event are idempotent: a node already
// completed yields no second mutation and no error. A completion for a node
// the ledger does not see as running is accepted and recorded, tolerating
// out-of-order delivery from delegates that batch their callbacks.
func (l *Ledger) NodeCompleted(
	ctx context.Context,
	executionID, nodeID string,
	contextPatch map[string]any,
	nextNode string,
	output map[string]any,
) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if err := guardMutable(execution); err != nil {
			return nil, err
		}

		if execution.Status != models.ExecutionStatusRunning {
			return nil, fmt.Errorf("cannot complete node while %s: %w", execution.Status, models.ErrInvalidTransition)
		}

		if _, ok := execution.Graph.FindNode(nodeID); !ok {
			return nil, fmt.Errorf("node %s not in execution graph: %w", nodeID, models.ErrUnknownNode)
		}

		state := execution.NodeState(nodeID)

		switch state.Status {
		case models.NodeStatusCompleted:
			// Idempotent re-delivery of the same terminal event.
			return nil, nil
		case models.NodeStatusFailed:
			return nil, fmt.Errorf("node %s already failed: %w", nodeID, models.ErrNodeStateFinal)
		}

		now := time.Now().UTC()
		state.Status = models.NodeStatusCompleted
		state.CompletedAt = &now
		state.Output = output
		execution.NodeStates[nodeID] = state

		execution.MergeContext(contextPatch)

		next := nextNode
		if next == "" {
			next = execution.Graph.NextNode(nodeID, "")
		} else if _, ok := execution.Graph.FindNode(next); !ok {
			return nil, fmt.Errorf("next node %s not in execution graph: %w", next, models.ErrUnknownNode)
		}

		emitted := []events.Event{events.NodeCompleted{
			BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, executionID),
			NodeID:    nodeID,
			Output:    output,
			NextNode:  next,
		}}

		if next == "" {
			execution.Status = models.ExecutionStatusCompleted
			execution.CurrentNode = models.CursorNone
			execution.CompletedAt = &now

			emitted = append(emitted, events.ExecutionCompleted{
				BaseEvent:  events.NewBaseEvent(events.ExecutionCompletedEvent, executionID),
				Context:    execution.Context,
				DurationMs: now.Sub(execution.CreatedAt).Milliseconds(),
			})
		} else {
			execution.CurrentNode = next
		}

		return emitted, nil
	})
}

// NodeFailed transitions the execution to failed and parks the cursor on
// the error marker. The caller is responsible for best-effort teardown of
// any delegate recorded on the returned execution.
func (l *Ledger) NodeFailed(ctx context.Context, executionID, nodeID, errorMessage string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if err := guardMutable(execution); err != nil {
			return nil, err
		}

		now := time.Now().UTC()

		if nodeID != "" {
			state := execution.NodeState(nodeID)
			if state.Status.IsTerminal() && state.Status != models.NodeStatusFailed {
				return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNodeStateFinal)
			}

			state.Status = models.NodeStatusFailed
			state.CompletedAt = &now
			state.Error = errorMessage
			execution.NodeStates[nodeID] = state
		}

		execution.Status = models.ExecutionStatusFailed
		execution.CurrentNode = models.CursorError
		execution.ErrorMessage = errorMessage
		execution.CompletedAt = &now

		emitted := []events.Event{
			events.NodeFailed{
				BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, executionID),
				NodeID:    nodeID,
				Error:     errorMessage,
			},
			events.ExecutionFailed{
				BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, executionID),
				NodeID:    nodeID,
				Error:     errorMessage,
			},
		}

		return emitted, nil
	})
}

// Pause freezes the cursor. Only a running execution can pause.
func (l *Ledger) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if !execution.Status.CanTransitionTo(models.ExecutionStatusPaused) {
			return nil, fmt.Errorf("cannot pause while %s: %w", execution.Status, models.ErrInvalidTransition)
		}

		execution.Status = models.ExecutionStatusPaused

		event := events.ExecutionPaused{
			BaseEvent:    events.NewBaseEvent(events.ExecutionPausedEvent, executionID),
			PausedAtNode: execution.CurrentNode,
		}

		return []events.Event{event}, nil
	})
}

// Resume returns a paused execution to running.
func (l *Ledger) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if execution.Status != models.ExecutionStatusPaused {
			return nil, fmt.Errorf("cannot resume while %s: %w", execution.Status, models.ErrInvalidTransition)
		}

		execution.Status = models.ExecutionStatusRunning

		event := events.ExecutionResumed{
			BaseEvent:     events.NewBaseEvent(events.ExecutionResumedEvent, executionID),
			ResumedAtNode: execution.CurrentNode,
		}

		return []events.Event{event}, nil
	})
}

// AwaitInput suspends the execution pending human input. The cursor and all
// in-flight context are retained; no request thread blocks on the wait.
func (l *Ledger) AwaitInput(ctx context.Context, executionID, nodeID, kind string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if !execution.Status.CanTransitionTo(models.ExecutionStatusWaitingUser) {
			return nil, fmt.Errorf("cannot wait for input while %s: %w", execution.Status, models.ErrInvalidTransition)
		}

		execution.Status = models.ExecutionStatusWaitingUser

		event := events.ExecutionWaiting{
			BaseEvent: events.NewBaseEvent(events.ExecutionWaitingEvent, executionID),
			NodeID:    nodeID,
			Kind:      kind,
		}

		return []events.Event{event}, nil
	})
}

// SubmitAnswers merges submitted answers into the context under "answers"
// and returns the execution to running. Advancing past the waiting node is
// the caller's concern (it may dispatch to a delegate resumption instead).
func (l *Ledger) SubmitAnswers(ctx context.Context, executionID string, answers map[string]any) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if execution.Status != models.ExecutionStatusWaitingUser {
			return nil, fmt.Errorf("execution is not waiting for input: %w", models.ErrInvalidTransition)
		}

		execution.Status = models.ExecutionStatusRunning
		execution.MergeContext(map[string]any{"answers": answers})

		event := events.ExecutionResumed{
			BaseEvent:     events.NewBaseEvent(events.ExecutionResumedEvent, executionID),
			ResumedAtNode: execution.CurrentNode,
		}

		return []events.Event{event}, nil
	})
}

// Cancel aborts a non-terminal execution. The recorded reason lands on the
// ledger; external teardown is the caller's responsibility.
func (l *Ledger) Cancel(ctx context.Context, executionID, reason string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if err := guardMutable(execution); err != nil {
			return nil, err
		}

		if reason == "" {
			reason = "cancelled"
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionStatusFailed
		execution.CurrentNode = models.CursorError
		execution.ErrorMessage = reason
		execution.CompletedAt = &now

		event := events.ExecutionFailed{
			BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, executionID),
			Error:     reason,
		}

		return []events.Event{event}, nil
	})
}

// AppendLog records an observational entry on the conversation history and
// emits a log event. Status never changes.
func (l *Ledger) AppendLog(ctx context.Context, executionID, level, message, nodeID string, metadata map[string]any) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		if err := guardMutable(execution); err != nil {
			return nil, err
		}

		execution.Conversation = append(execution.Conversation, models.ConversationEntry{
			Role:      "delegate",
			Content:   message,
			NodeID:    nodeID,
			Metadata:  metadata,
			Timestamp: time.Now().UTC(),
		})

		event := events.Log{
			BaseEvent: events.NewBaseEvent(events.LogEvent, executionID),
			Level:     level,
			Message:   message,
			NodeID:    nodeID,
			Metadata:  metadata,
		}

		return []events.Event{event}, nil
	})
}

// SetDelegateHandle records (or clears) the external compute unit handle.
func (l *Ledger) SetDelegateHandle(ctx context.Context, executionID, handle string) (*models.Execution, error) {
	return l.mutate(ctx, executionID, func(execution *models.Execution) ([]events.Event, error) {
		execution.DelegateHandle = handle

		return nil, nil
	})
}

// Snapshot builds the full-state event a new stream subscriber receives.
func (l *Ledger) Snapshot(ctx context.Context, executionID string) (*events.Snapshot, error) {
	execution, err := l.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &events.Snapshot{
		BaseEvent:   events.NewBaseEvent(events.SnapshotEvent, executionID),
		Status:      execution.Status,
		CurrentNode: execution.CurrentNode,
		NodeStates:  execution.NodeStates,
		Context:     execution.Context,
		Error:       execution.ErrorMessage,
	}, nil
}
