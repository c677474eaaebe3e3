// Package planning manages resumable question-batch sessions. A session
// follows the same persisted-cursor discipline as the execution ledger:
// suspension is a stored status, never a blocked request thread, and every
// mutation is serialized per session id and committed before broadcast.
package planning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomline/loomline/pkg/events"
	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

type Service struct {
	sessions    persistence.SessionRepository
	broadcaster ledger.Broadcaster
	logger      *slog.Logger

	locks sync.Map // session id -> *sync.Mutex
}

func NewService(sessions persistence.SessionRepository, broadcaster ledger.Broadcaster, logger *slog.Logger) *Service {
	if broadcaster == nil {
		broadcaster = ledger.NopBroadcaster{}
	}

	return &Service{
		sessions:    sessions,
		broadcaster: broadcaster,
		logger:      logger.With("module", "planning"),
	}
}

func (s *Service) lock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})

	return mu.(*sync.Mutex)
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.PlanningSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

// CreateSession opens a session for the given phase. The first batch becomes
// active; a session with batches starts waiting for the user, an empty one
// starts running.
func (s *Service) CreateSession(ctx context.Context, phase string, batches []*models.QuestionBatch) (*models.PlanningSession, error) {
	now := time.Now().UTC()

	session := &models.PlanningSession{
		ID:        "plan-" + uuid.New().String(),
		Status:    models.PlanningSessionStatusRunning,
		Phase:     phase,
		Batches:   batches,
		Answers:   make(map[string]models.Answer),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i, batch := range session.Batches {
		if batch.ID == "" {
			batch.ID = fmt.Sprintf("batch-%d", i+1)
		}

		batch.Status = models.BatchStatusPending
	}

	if len(session.Batches) > 0 {
		session.Batches[0].Status = models.BatchStatusActive
		session.Status = models.PlanningSessionStatusWaitingUser
	}

	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}

	s.broadcastUpdate(session)

	s.logger.InfoContext(ctx, "Planning session created",
		"session_id", session.ID,
		"phase", phase,
		"batches", len(session.Batches),
	)

	return session, nil
}

func (s *Service) broadcastUpdate(session *models.PlanningSession) {
	s.broadcaster.Broadcast(session.ID, events.SessionUpdated{
		BaseEvent: events.NewBaseEvent(events.SessionUpdatedEvent, session.ID),
		SessionID: session.ID,
		Status:    session.Status,
		Phase:     session.Phase,
	})
}

func (s *Service) mutate(
	ctx context.Context,
	sessionID string,
	fn func(session *models.PlanningSession) error,
) (*models.PlanningSession, error) {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	working := current.Clone()

	if err := fn(working); err != nil {
		return nil, err
	}

	working.UpdatedAt = time.Now().UTC()

	if err := s.sessions.Save(ctx, working); err != nil {
		return nil, fmt.Errorf("failed to commit session %s: %w", sessionID, err)
	}

	s.broadcastUpdate(working)

	return working, nil
}

func guardSessionMutable(session *models.PlanningSession) error {
	if session.Status.IsTerminal() {
		return fmt.Errorf("session %s: %w", session.ID, models.ErrExecutionTerminal)
	}

	return nil
}

// SubmitBatchAnswers validates and records the answers for the active batch.
// Every question in the batch must be answered or explicitly skipped. The
// batch completes, the next one activates; when no batch remains the session
// returns to running so the caller can advance the phase or complete it.
func (s *Service) SubmitBatchAnswers(ctx context.Context, sessionID string, answers map[string]models.Answer) (*models.PlanningSession, error) {
	return s.mutate(ctx, sessionID, func(session *models.PlanningSession) error {
		if err := guardSessionMutable(session); err != nil {
			return err
		}

		if session.Status != models.PlanningSessionStatusWaitingUser {
			return fmt.Errorf("session is not waiting for answers: %w", models.ErrInvalidTransition)
		}

		batch, ok := session.ActiveBatch()
		if !ok {
			return fmt.Errorf("session has no active batch: %w", models.ErrInvalidTransition)
		}

		now := time.Now().UTC()

		for _, question := range batch.Questions {
			answer, ok := answers[question.ID]
			if !ok {
				return fmt.Errorf("%w: question %s has no answer", models.ErrAnswerRejected, question.ID)
			}

			if !answer.Skipped {
				if err := question.Rules.Validate(answer.Value); err != nil {
					return fmt.Errorf("question %s: %w", question.ID, err)
				}
			}

			answer.QuestionID = question.ID
			answer.AnsweredAt = now
			session.Answers[question.ID] = answer
		}

		batch.Status = models.BatchStatusCompleted
		batch.CompletedAt = &now

		if next, ok := session.ActiveBatch(); ok {
			next.Status = models.BatchStatusActive
		} else {
			session.Status = models.PlanningSessionStatusRunning
		}

		return nil
	})
}

// AdvancePhase moves the session into a new phase, optionally queueing the
// phase's question batches.
func (s *Service) AdvancePhase(ctx context.Context, sessionID, phase string, batches []*models.QuestionBatch) (*models.PlanningSession, error) {
	return s.mutate(ctx, sessionID, func(session *models.PlanningSession) error {
		if err := guardSessionMutable(session); err != nil {
			return err
		}

		if session.Status == models.PlanningSessionStatusWaitingUser {
			return fmt.Errorf("cannot advance phase with unanswered batches: %w", models.ErrInvalidTransition)
		}

		session.Phase = phase

		for i, batch := range batches {
			if batch.ID == "" {
				batch.ID = fmt.Sprintf("%s-batch-%d", phase, i+1)
			}

			batch.Status = models.BatchStatusPending
			session.Batches = append(session.Batches, batch)
		}

		if len(batches) > 0 {
			if next, ok := session.ActiveBatch(); ok {
				next.Status = models.BatchStatusActive
			}

			session.Status = models.PlanningSessionStatusWaitingUser
		}

		return nil
	})
}

// SetArtifact stores a named output produced during the session.
func (s *Service) SetArtifact(ctx context.Context, sessionID, key string, value any) (*models.PlanningSession, error) {
	return s.mutate(ctx, sessionID, func(session *models.PlanningSession) error {
		if err := guardSessionMutable(session); err != nil {
			return err
		}

		if session.Artifacts == nil {
			session.Artifacts = make(map[string]any)
		}

		session.Artifacts[key] = value

		return nil
	})
}

// Complete finishes the session. Open batches block completion.
func (s *Service) Complete(ctx context.Context, sessionID string) (*models.PlanningSession, error) {
	return s.mutate(ctx, sessionID, func(session *models.PlanningSession) error {
		if err := guardSessionMutable(session); err != nil {
			return err
		}

		if _, open := session.ActiveBatch(); open {
			return fmt.Errorf("cannot complete with open batches: %w", models.ErrInvalidTransition)
		}

		now := time.Now().UTC()
		session.Status = models.PlanningSessionStatusCompleted
		session.CompletedAt = &now

		return nil
	})
}

// Fail aborts the session with a reason.
func (s *Service) Fail(ctx context.Context, sessionID, reason string) (*models.PlanningSession, error) {
	return s.mutate(ctx, sessionID, func(session *models.PlanningSession) error {
		if err := guardSessionMutable(session); err != nil {
			return err
		}

		now := time.Now().UTC()
		session.Status = models.PlanningSessionStatusFailed
		session.ErrorMessage = reason
		session.CompletedAt = &now

		return nil
	})
}
