package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/state"
	"homecore/internal/store"
)

// Filler materializes scenario tasks for schedules firing within the lookahead window
type Filler struct {
	rules     store.Rules
	tasks     store.Tasks
	states    state.Reader
	lookahead time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewFiller(rules store.Rules, tasks store.Tasks, states state.Reader, lookahead time.Duration, now func() time.Time, logger *zap.Logger) *Filler {
	if now == nil {
		now = time.Now
	}
	return &Filler{
		rules:     rules,
		tasks:     tasks,
		states:    states,
		lookahead: lookahead,
		now:       now,
		logger:    logger.With(zap.String("component", "filler")),
	}
}

// FillQueue get-or-creates a task for every schedule of an active scenario
// with now < next fire <= now+lookahead. Bad schedules are logged and skipped.
// It returns how many tasks were created.
func (f *Filler) FillQueue(ctx context.Context) (int, error) {
	scenarios, err := f.rules.ListScenarios(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list scenarios: %w", err)
	}
	now := f.now()
	horizon := now.Add(f.lookahead)
	created := 0
	for _, sc := range scenarios {
		for _, s := range sc.Schedules {
			tod, err := ResolveTime(ctx, f.states, s)
			if err != nil {
				f.logger.Warn("SCHEDULER: Skipping schedule", zap.Int64("scenario", sc.ID), zap.Int64("schedule", s.ID), zap.Error(err))
				continue
			}
			next, err := NextFire(s, tod, now)
			if err != nil {
				f.logger.Warn("SCHEDULER: Skipping schedule", zap.Int64("scenario", sc.ID), zap.Int64("schedule", s.ID), zap.Error(err))
				continue
			}
			if !next.After(now) || next.After(horizon) {
				continue
			}
			task, isNew, err := f.tasks.GetOrCreateTask(ctx, models.NewScenarioTask(sc.ID, next))
			if err != nil {
				f.logger.Warn("SCHEDULER: Failed to create task", zap.Int64("scenario", sc.ID), zap.Error(err))
				continue
			}
			if isNew {
				created++
				f.logger.Info("SCHEDULER: Task queued", zap.Int64("scenario", sc.ID), zap.Int64("task", task.ID), zap.Time("at", task.ScheduledOn))
			}
		}
	}
	return created, nil
}
