package models

import "time"

// ExecutionStatus is the lifecycle state of one run of a definition.
type ExecutionStatus string

const (
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusPaused      ExecutionStatus = "paused"
	ExecutionStatusWaitingUser ExecutionStatus = "waiting_user"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
)

// Cursor sentinels for terminal executions.
const (
	CursorNone  = ""      // No node: the run completed past its final node
	CursorError = "error" // The run failed; the cursor parks on the error marker
)

// IsTerminal reports whether the status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// CanTransitionTo reports whether the status machine permits moving from s
// to next. Terminal states accept no transition.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch next {
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	case ExecutionStatusRunning:
		return s == ExecutionStatusRunning || s == ExecutionStatusPaused || s == ExecutionStatusWaitingUser
	case ExecutionStatusPaused:
		return s == ExecutionStatusRunning
	case ExecutionStatusWaitingUser:
		return s == ExecutionStatusRunning || s == ExecutionStatusPaused
	default:
		return false
	}
}

// NodeStatus is the per-node execution state.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// IsTerminal reports whether the node state may no longer change. Node
// states are monotonic: a completed or failed node is never rewound by a
// stale or replayed callback.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// NodeState records one node's progress within an execution.
type NodeState struct {
	Status      NodeStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// ConversationEntry is one item of an execution's append-only conversation log.
type ConversationEntry struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	NodeID    string         `json:"node_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Execution is one durable run of a definition. It is mutated exclusively
// through the ledger, which serializes writers per execution id.
type Execution struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	Graph        *Definition     `json:"graph"` // Captured copy, never shared with the live definition
	Status       ExecutionStatus `json:"status"`
	CurrentNode  string          `json:"current_node"`

	Context      map[string]any        `json:"context,omitempty"`
	NodeStates   map[string]*NodeState `json:"node_states"`
	Conversation []ConversationEntry   `json:"conversation,omitempty"`

	// Opaque handle to the external compute unit serving this run, empty
	// when the run executes in-process or the unit was torn down.
	DelegateHandle string `json:"delegate_handle,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NodeState returns the state record for a node, a zero pending record when
// the node has not been touched yet.
func (e *Execution) NodeState(nodeID string) *NodeState {
	if s, ok := e.NodeStates[nodeID]; ok {
		return s
	}

	return &NodeState{Status: NodeStatusPending}
}

// MergeContext applies a context patch. Top-level keys overwrite; nested
// maps are merged one level deep, matching how delegates report partial
// results.
func (e *Execution) MergeContext(patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	if e.Context == nil {
		e.Context = make(map[string]any, len(patch))
	}

	for k, v := range patch {
		existing, haveExisting := e.Context[k].(map[string]any)
		incoming, haveIncoming := v.(map[string]any)

		if haveExisting && haveIncoming {
			merged := cloneMap(existing)
			for nk, nv := range incoming {
				merged[nk] = nv
			}

			e.Context[k] = merged

			continue
		}

		e.Context[k] = v
	}
}

// Clone returns a deep copy used by the ledger's copy-mutate-save discipline.
func (e *Execution) Clone() *Execution {
	clone := *e
	clone.Context = cloneMap(e.Context)

	clone.NodeStates = make(map[string]*NodeState, len(e.NodeStates))
	for id, st := range e.NodeStates {
		sc := *st
		sc.Output = cloneMap(st.Output)
		clone.NodeStates[id] = &sc
	}

	clone.Conversation = make([]ConversationEntry, len(e.Conversation))
	copy(clone.Conversation, e.Conversation)

	if e.Graph != nil {
		clone.Graph = e.Graph.Clone()
	}

	return &clone
}
