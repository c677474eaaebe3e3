// Package web provides HTTP request and response types for the engine API.
package web

import "github.com/loomline/loomline/pkg/models"

// CreateDefinitionRequest carries definition text to compile and store.
type CreateDefinitionRequest struct {
	Text string `json:"text" validate:"required"`
}

// ValidateDefinitionRequest carries definition text to check without storing.
type ValidateDefinitionRequest struct {
	Text string `json:"text" validate:"required"`
}

// DefinitionResponse pairs a stored definition with compile warnings.
type DefinitionResponse struct {
	Definition *models.Definition `json:"definition"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// StartExecutionRequest starts a run of a stored definition.
type StartExecutionRequest struct {
	DefinitionID   string         `json:"definition_id" validate:"required"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
}

// CancelExecutionRequest carries the optional cancellation reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AnswerRequest answers or skips one pending question.
type AnswerRequest struct {
	QuestionID string `json:"question_id" validate:"required"`
	Value      any    `json:"value,omitempty"`
	Skip       bool   `json:"skip,omitempty"`
}

// CreateSessionRequest opens a planning session with its first question
// batches.
type CreateSessionRequest struct {
	Phase   string                  `json:"phase,omitempty"`
	Batches []*models.QuestionBatch `json:"batches" validate:"required,min=1"`
}

// AdvancePhaseRequest moves a planning session to its next phase, optionally
// appending further question batches.
type AdvancePhaseRequest struct {
	Phase   string                  `json:"phase" validate:"required"`
	Batches []*models.QuestionBatch `json:"batches,omitempty"`
}

// BatchAnswersRequest answers a planning session's active batch.
type BatchAnswersRequest struct {
	Answers map[string]AnswerValue `json:"answers" validate:"required,min=1"`
}

// AnswerValue is one answer inside a batch submission.
type AnswerValue struct {
	Value any  `json:"value,omitempty"`
	Skip  bool `json:"skip,omitempty"`
}

// NodeStartedCallback is the delegate's node-started report.
type NodeStartedCallback struct {
	NodeID string `json:"node_id" validate:"required"`
}

// NodeCompletedCallback is the delegate's node-completed report.
type NodeCompletedCallback struct {
	NodeID       string         `json:"node_id" validate:"required"`
	ContextPatch map[string]any `json:"context_patch,omitempty"`
	NextNode     string         `json:"next_node,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
}

// NodeFailedCallback is the delegate's node-failed report.
type NodeFailedCallback struct {
	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error" validate:"required"`
}

// LogCallback is the delegate's observational log report.
type LogCallback struct {
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message" validate:"required"`
	NodeID   string         `json:"node_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
