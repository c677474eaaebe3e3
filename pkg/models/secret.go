package models

import "time"

// Secret is one per-definition key/value pair, stored encrypted at rest.
// Ciphertext is only ever decrypted at delegate handoff time; plaintext is
// never persisted and never returned without an execution-scoped credential.
type Secret struct {
	DefinitionID string    `json:"definition_id"`
	Key          string    `json:"key"`
	Ciphertext   []byte    `json:"ciphertext"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PendingInput is the persisted record of a suspended wait for human input.
// A single-process deployment wakes the in-memory waiter directly; the row
// exists so a janitor can expire stale waits and a clustered deployment can
// dispatch resumption through persistence instead of process memory.
type PendingInput struct {
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	Kind       string    `json:"kind"` // "question" or "planning_batch"
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}
