package question

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loomline/loomline/pkg/models"
)

// ErrNoPendingQuestion is returned when an answer arrives for a question
// nobody is waiting on (already answered, timed out, or never asked).
var ErrNoPendingQuestion = errors.New("no pending question")

// Resolution is what a suspended step receives for its wait: either the
// accepted answer or the rule violation that failed it.
type Resolution struct {
	Answer models.Answer
	Err    error
}

type pendingWait struct {
	rules models.AnswerRules
	ch    chan Resolution
}

// Waiter connects suspended question steps with the answers submitted
// through the control API. Waits are keyed by session and question id.
type Waiter struct {
	mu    sync.Mutex
	waits map[string]*pendingWait
}

func NewWaiter() *Waiter {
	return &Waiter{waits: make(map[string]*pendingWait)}
}

func waitKey(sessionID, questionID string) string {
	return sessionID + "/" + questionID
}

// Register parks a wait and returns its resolution channel plus a cleanup
// func.
func (w *Waiter) Register(sessionID, questionID string, rules models.AnswerRules) (<-chan Resolution, func()) {
	key := waitKey(sessionID, questionID)
	wait := &pendingWait{rules: rules, ch: make(chan Resolution, 1)}

	w.mu.Lock()
	w.waits[key] = wait
	w.mu.Unlock()

	cleanup := func() {
		w.mu.Lock()
		if w.waits[key] == wait {
			delete(w.waits, key)
		}
		w.mu.Unlock()
	}

	return wait.ch, cleanup
}

// Resolve validates and delivers an answer to the waiting step. A skip
// bypasses value validation; it is an explicit user decision. A rule
// violation consumes the wait and fails the step; the violation is also
// returned so the caller can report it.
func (w *Waiter) Resolve(sessionID, questionID string, answer models.Answer) error {
	key := waitKey(sessionID, questionID)

	w.mu.Lock()
	wait, ok := w.waits[key]
	if !ok {
		w.mu.Unlock()

		return fmt.Errorf("question %s in session %s: %w", questionID, sessionID, ErrNoPendingQuestion)
	}

	delete(w.waits, key)
	w.mu.Unlock()

	if !answer.Skipped {
		if err := wait.rules.Validate(answer.Value); err != nil {
			wait.ch <- Resolution{Err: err}

			return err
		}
	}

	wait.ch <- Resolution{Answer: answer}

	return nil
}

// Pending reports whether a wait is armed for the question.
func (w *Waiter) Pending(sessionID, questionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.waits[waitKey(sessionID, questionID)]

	return ok
}
