// Package janitor sweeps up state that outlived its owner: expired waits
// for human input and delegate compute units left behind by failed runs.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomline/loomline/pkg/delegate"
	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "* * * * *"

type Janitor struct {
	pending     persistence.PendingInputRepository
	ledger      *ledger.Ledger
	provisioner delegate.Provisioner
	logger      *slog.Logger

	cron *cron.Cron
}

func New(
	pending persistence.PendingInputRepository,
	l *ledger.Ledger,
	provisioner delegate.Provisioner,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		pending:     pending,
		ledger:      l,
		provisioner: provisioner,
		logger:      logger.With("module", "janitor"),
	}
}

// Start schedules the sweep. An empty schedule uses the default.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	j.cron = cron.New()

	if _, err := j.cron.AddFunc(schedule, func() {
		j.Sweep(ctx)
	}); err != nil {
		return err
	}

	j.cron.Start()

	j.logger.InfoContext(ctx, "Janitor started", "schedule", schedule)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep runs both passes once. Every action is best-effort: a failure is
// logged and the sweep moves on, the next run retries.
func (j *Janitor) Sweep(ctx context.Context) {
	j.sweepExpiredInputs(ctx)
	j.sweepOrphanedDelegates(ctx)
}

// sweepExpiredInputs fails executions whose wait for human input expired
// without an in-process timer catching it (e.g. after a restart).
func (j *Janitor) sweepExpiredInputs(ctx context.Context) {
	expired, err := j.pending.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to list expired inputs", "error", err)

		return
	}

	for _, input := range expired {
		execution, err := j.ledger.Get(ctx, input.SessionID)
		if err == nil && execution.Status == models.ExecutionStatusWaitingUser {
			if _, err := j.ledger.NodeFailed(ctx, execution.ID, execution.CurrentNode, "input wait expired"); err != nil {
				j.logger.WarnContext(ctx, "Failed to expire waiting execution",
					"execution_id", execution.ID,
					"error", err,
				)

				continue
			}

			j.logger.InfoContext(ctx, "Expired waiting execution",
				"execution_id", execution.ID,
				"question_id", input.QuestionID,
			)
		}

		if err := j.pending.Delete(ctx, input.SessionID); err != nil {
			j.logger.WarnContext(ctx, "Failed to delete expired input",
				"session_id", input.SessionID,
				"error", err,
			)
		}
	}
}

// sweepOrphanedDelegates tears down compute units still attached to failed
// runs, then clears the handle so the next sweep skips them.
func (j *Janitor) sweepOrphanedDelegates(ctx context.Context) {
	failed, err := j.ledger.List(ctx, models.ExecutionStatusFailed)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to list failed executions", "error", err)

		return
	}

	for _, execution := range failed {
		if execution.DelegateHandle == "" {
			continue
		}

		if err := j.provisioner.Teardown(ctx, execution.DelegateHandle); err != nil {
			j.logger.WarnContext(ctx, "Failed to tear down orphaned delegate",
				"execution_id", execution.ID,
				"handle", execution.DelegateHandle,
				"error", err,
			)

			continue
		}

		if _, err := j.ledger.SetDelegateHandle(ctx, execution.ID, ""); err != nil {
			j.logger.WarnContext(ctx, "Failed to clear delegate handle",
				"execution_id", execution.ID,
				"error", err,
			)
		}

		j.logger.InfoContext(ctx, "Released orphaned delegate",
			"execution_id", execution.ID,
		)
	}
}
