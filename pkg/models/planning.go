package models

import (
	"fmt"
	"regexp"
	"time"
)

// PlanningSessionStatus mirrors the execution status machine for multi-step
// human-in-the-loop question flows.
type PlanningSessionStatus string

const (
	PlanningSessionStatusRunning     PlanningSessionStatus = "running"
	PlanningSessionStatusWaitingUser PlanningSessionStatus = "waiting_user"
	PlanningSessionStatusCompleted   PlanningSessionStatus = "completed"
	PlanningSessionStatusFailed      PlanningSessionStatus = "failed"
)

func (s PlanningSessionStatus) IsTerminal() bool {
	return s == PlanningSessionStatusCompleted || s == PlanningSessionStatusFailed
}

// BatchStatus is the per-batch progress within a planning session.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCompleted BatchStatus = "completed"
)

// AnswerRules declares the validation applied to an answer before it is
// accepted. Zero values mean "no constraint".
type AnswerRules struct {
	Required  bool     `json:"required,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// Validate checks a non-skipped answer value against the declared rules.
func (r AnswerRules) Validate(value any) error {
	if value == nil || value == "" {
		if r.Required {
			return fmt.Errorf("%w: answer is required", ErrAnswerRejected)
		}

		return nil
	}

	switch v := value.(type) {
	case string:
		if r.MinLength != nil && len(v) < *r.MinLength {
			return fmt.Errorf("%w: shorter than %d characters", ErrAnswerRejected, *r.MinLength)
		}

		if r.MaxLength != nil && len(v) > *r.MaxLength {
			return fmt.Errorf("%w: longer than %d characters", ErrAnswerRejected, *r.MaxLength)
		}

		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("%w: invalid answer pattern %q: %v", ErrAnswerRejected, r.Pattern, err)
			}

			if !re.MatchString(v) {
				return fmt.Errorf("%w: does not match pattern %q", ErrAnswerRejected, r.Pattern)
			}
		}
	case float64:
		if r.Min != nil && v < *r.Min {
			return fmt.Errorf("%w: below minimum %v", ErrAnswerRejected, *r.Min)
		}

		if r.Max != nil && v > *r.Max {
			return fmt.Errorf("%w: above maximum %v", ErrAnswerRejected, *r.Max)
		}
	case int:
		return r.Validate(float64(v))
	}

	return nil
}

// Question is one prompt inside a batch or a question node's config.
type Question struct {
	ID     string      `json:"id"     validate:"required"`
	Prompt string      `json:"prompt" validate:"required"`
	Rules  AnswerRules `json:"rules,omitempty"`
}

// Answer records a submitted (or explicitly skipped) answer.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Value      any       `json:"value,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

// QuestionBatch groups questions that are asked together.
type QuestionBatch struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Questions   []Question  `json:"questions"`
	Status      BatchStatus `json:"status"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// PlanningSession is a resumable multi-batch question flow. It follows the
// same persisted-cursor discipline as Execution: suspension is structural,
// never a blocked request thread.
type PlanningSession struct {
	ID        string                `json:"id"`
	Status    PlanningSessionStatus `json:"status"`
	Phase     string                `json:"phase,omitempty"`
	Batches   []*QuestionBatch      `json:"batches"`
	Answers   map[string]Answer     `json:"answers"`
	Artifacts map[string]any        `json:"artifacts,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ActiveBatch returns the first batch that is not yet completed.
func (s *PlanningSession) ActiveBatch() (*QuestionBatch, bool) {
	for _, b := range s.Batches {
		if b.Status != BatchStatusCompleted {
			return b, true
		}
	}

	return nil, false
}

// Clone returns a deep copy for copy-mutate-save updates.
func (s *PlanningSession) Clone() *PlanningSession {
	clone := *s

	clone.Batches = make([]*QuestionBatch, len(s.Batches))
	for i, b := range s.Batches {
		bc := *b
		bc.Questions = make([]Question, len(b.Questions))
		copy(bc.Questions, b.Questions)
		clone.Batches[i] = &bc
	}

	clone.Answers = make(map[string]Answer, len(s.Answers))
	for k, v := range s.Answers {
		clone.Answers[k] = v
	}

	clone.Artifacts = cloneMap(s.Artifacts)

	return &clone
}
