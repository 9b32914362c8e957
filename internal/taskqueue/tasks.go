package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homecore/internal/metrics"
	"homecore/internal/models"
	"homecore/internal/store"
)

// ScenarioRunner runs scenarios on behalf of tasks and inbox requests
type ScenarioRunner interface {
	RunScenario(ctx context.Context, sc models.Scenario, minute time.Time) (bool, error)
	WorkOut(ctx context.Context, sc models.Scenario) (bool, error)
}

// ActionApplier applies commands to devices
type ActionApplier interface {
	Apply(ctx context.Context, a models.Action, direct bool) error
	Turn(ctx context.Context, uid string, cmd models.Command, direct bool) error
}

// TaskStore is what the queue needs from durable storage
type TaskStore interface {
	store.Tasks
	GetScenario(ctx context.Context, id int64) (models.Scenario, error)
}

// Queue drains due tasks from the durable task log
type Queue struct {
	store     TaskStore
	runner    ScenarioRunner
	exec      ActionApplier
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewQueue(st TaskStore, runner ScenarioRunner, exec ActionApplier, retention time.Duration, now func() time.Time, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:     st,
		runner:    runner,
		exec:      exec,
		retention: retention,
		now:       now,
		metrics:   m,
		logger:    logger.With(zap.String("component", "taskqueue")),
	}
}

// Drain runs every undone due task once. A task whose execution fails stays
// undone and is retried on the next drain. It returns how many tasks completed.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	pending, err := q.store.ListPendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	now := q.now()
	done := 0
	for _, task := range pending {
		if !task.Due(now) {
			continue
		}
		if err := q.execute(ctx, task); err != nil {
			q.metrics.Task(metrics.OutcomeFailed)
			q.logger.Warn("TASKQUEUE: Task failed, will retry", zap.Int64("task", task.ID), zap.String("key", task.Key), zap.Error(err))
			continue
		}
		if err := q.store.MarkTaskDone(ctx, task.ID); err != nil {
			q.metrics.Task(metrics.OutcomeFailed)
			q.logger.Warn("TASKQUEUE: Failed to mark task done", zap.Int64("task", task.ID), zap.Error(err))
			continue
		}
		q.metrics.Task(metrics.OutcomeDone)
		q.logger.Info("TASKQUEUE: Task done", zap.Stringer("task", task))
		done++
	}
	return done, nil
}

func (q *Queue) execute(ctx context.Context, task models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v", task.ID, r)
		}
	}()

	if task.ScenarioID != 0 {
		sc, err := q.store.GetScenario(ctx, task.ScenarioID)
		if errors.Is(err, store.ErrNotFound) {
			// the scenario is gone, nothing left to run
			q.logger.Warn("TASKQUEUE: Scenario of task no longer exists", zap.Int64("task", task.ID), zap.Int64("scenario", task.ScenarioID))
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := q.runner.RunScenario(ctx, sc, task.ScheduledOn); err != nil {
			return err
		}
	}
	for _, a := range task.Actions {
		if err := q.exec.Apply(ctx, a, true); err != nil {
			return err
		}
	}
	return nil
}

// Purge deletes done tasks not updated within the retention window
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeTasks(ctx, q.now().Add(-q.retention))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info("TASKQUEUE: Purged done tasks", zap.Int64("count", n))
	}
	return n, nil
}
