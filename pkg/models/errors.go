// Package models provides domain-level sentinel errors shared across layers.
package models

import "errors"

var (
	// ErrInvalidTransition indicates a status change the execution state
	// machine does not permit (e.g. resuming a completed run).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrExecutionTerminal indicates a mutation against an execution that
	// already reached an absorbing state.
	ErrExecutionTerminal = errors.New("execution already terminal")

	// ErrNodeStateFinal indicates a callback tried to rewind a node that
	// already completed or failed.
	ErrNodeStateFinal = errors.New("node state already final")

	// ErrAnswerRejected indicates an answer violated its declared rules.
	ErrAnswerRejected = errors.New("answer rejected")

	// ErrUnknownNode indicates a callback referenced a node id that does
	// not exist in the execution's captured graph.
	ErrUnknownNode = errors.New("unknown node")
)
