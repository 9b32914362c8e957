package automation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"homecore/internal/models"
)

// BehaviorSignals computes the on and off signals. An empty off set means
// off is the negation of on. ok is false when both sets are empty.
func (r *Runner) BehaviorSignals(ctx context.Context, b models.Behavior) (on, off, ok bool, err error) {
	if len(b.ConditionsOn) == 0 && len(b.ConditionsOff) == 0 {
		return false, false, false, nil
	}
	on, err = r.eval.TargetConditions(ctx, b.ConditionsOn, b.CombinatorOn)
	if err != nil {
		return false, false, false, err
	}
	if len(b.ConditionsOff) == 0 {
		return on, !on, true, nil
	}
	off, err = r.eval.TargetConditions(ctx, b.ConditionsOff, b.CombinatorOff)
	if err != nil {
		return false, false, false, err
	}
	return on, off, true, nil
}

// EngageBehavior turns off the first controlled switch that is on when off
// holds, otherwise turns on every controlled switch that is off when on holds.
func (r *Runner) EngageBehavior(ctx context.Context, b models.Behavior) error {
	on, off, ok, err := r.BehaviorSignals(ctx, b)
	if err != nil {
		return fmt.Errorf("behavior %d: %w", b.ID, err)
	}
	if !ok {
		r.logger.Debug("BEHAVIOR: No conditions, skipping", zap.Int64("behavior", b.ID))
		return nil
	}

	switches, err := r.controlledSwitches(ctx, b.Switches)
	if err != nil {
		return fmt.Errorf("behavior %d: %w", b.ID, err)
	}

	if off {
		for _, sw := range switches {
			if r.switchState(ctx, sw) == string(models.CommandOn) {
				return r.exec.Turn(ctx, sw.UID, models.CommandOff, false)
			}
		}
		return nil
	}
	if on {
		var firstErr error
		for _, sw := range switches {
			if r.switchState(ctx, sw) != string(models.CommandOff) {
				continue
			}
			if err := r.exec.Turn(ctx, sw.UID, models.CommandOn, false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return nil
}

// controlledSwitches resolves uids to resources, keeping only controlled ones
func (r *Runner) controlledSwitches(ctx context.Context, uids []string) ([]models.Resource, error) {
	out := make([]models.Resource, 0, len(uids))
	for _, uid := range uids {
		res, err := r.resources.GetResource(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrAction, uid, err)
		}
		if res.Controlled {
			out = append(out, res)
		}
	}
	return out, nil
}

// switchState returns the default channel as a string, empty when unknown
func (r *Runner) switchState(ctx context.Context, sw models.Resource) string {
	v, ok, err := r.states.Read(ctx, sw.Ref(), models.DefaultChannel)
	if err != nil {
		r.logger.Warn("BEHAVIOR: Reading switch state failed", zap.String("uid", sw.UID), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return models.FormatValue(v)
}
