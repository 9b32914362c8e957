package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/scheduler"
)

const firedGuardTTL = 2 * time.Minute

// Engage fires the scenario when it is active, one of its schedules matches
// the current minute and its conditions hold. It fires at most once per minute.
func (r *Runner) Engage(ctx context.Context, sc models.Scenario) (bool, error) {
	if !sc.Active {
		return false, nil
	}
	minute := r.now().Truncate(time.Minute)
	if !r.scheduleMatches(ctx, sc, minute) {
		return false, nil
	}
	return r.RunScenario(ctx, sc, minute)
}

// RunScenario is the task path: no schedule check, same once-per-minute guard.
// The guard is released again when an action fails.
func (r *Runner) RunScenario(ctx context.Context, sc models.Scenario, minute time.Time) (bool, error) {
	ok, err := r.scenarioConditions(ctx, sc)
	if err != nil || !ok {
		return false, err
	}
	minute = minute.Truncate(time.Minute)
	guard := fmt.Sprintf("scenario:%d:fired:%d", sc.ID, minute.Unix())
	first, err := r.states.MarkOnce(ctx, guard, firedGuardTTL)
	if err != nil {
		return false, fmt.Errorf("scenario %d guard: %w", sc.ID, err)
	}
	if !first {
		r.logger.Debug("SCENARIO: Already fired this minute", zap.Int64("scenario", sc.ID), zap.Time("minute", minute))
		return false, nil
	}
	if err := r.fire(ctx, sc, false); err != nil {
		// failed firings do not count for the minute
		if uerr := r.states.Unmark(ctx, guard); uerr != nil {
			r.logger.Warn("SCENARIO: Releasing fired guard failed", zap.Int64("scenario", sc.ID), zap.Error(uerr))
		}
		return true, err
	}
	return true, nil
}

// WorkOut runs the scenario on request: conditions, then actions. No guard.
func (r *Runner) WorkOut(ctx context.Context, sc models.Scenario) (bool, error) {
	ok, err := r.scenarioConditions(ctx, sc)
	if err != nil || !ok {
		return false, err
	}
	return true, r.fire(ctx, sc, true)
}

// scenarioConditions treats an empty set as a vacuous AND
func (r *Runner) scenarioConditions(ctx context.Context, sc models.Scenario) (bool, error) {
	if len(sc.Conditions) == 0 {
		return true, nil
	}
	return r.eval.TargetConditions(ctx, sc.Conditions, sc.Combinator)
}

func (r *Runner) scheduleMatches(ctx context.Context, sc models.Scenario, minute time.Time) bool {
	for _, s := range sc.Schedules {
		tod, err := scheduler.ResolveTime(ctx, r.states, s)
		if err != nil {
			r.logger.Warn("SCENARIO: Skipping schedule", zap.Int64("scenario", sc.ID), zap.Int64("schedule", s.ID), zap.Error(err))
			continue
		}
		if scheduler.Matches(s, tod, minute) {
			return true
		}
	}
	return false
}

// fire applies every action and pushes every button. All of them are tried;
// the first failure is returned.
func (r *Runner) fire(ctx context.Context, sc models.Scenario, direct bool) error {
	r.logger.Info("SCENARIO: Firing", zap.Int64("scenario", sc.ID), zap.String("title", sc.Title))
	var firstErr error
	for _, a := range sc.Actions {
		if err := r.exec.Apply(ctx, a, direct); err != nil {
			r.logger.Warn("SCENARIO: Action failed", zap.Int64("scenario", sc.ID), zap.Stringer("action", a), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, uid := range sc.Buttons {
		if err := r.exec.Turn(ctx, uid, models.CommandPush, direct); err != nil {
			r.logger.Warn("SCENARIO: Button push failed", zap.Int64("scenario", sc.ID), zap.String("button", uid), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
