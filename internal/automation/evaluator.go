package automation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/state"
)

// ErrEvaluation marks a condition that could not be evaluated: missing
// state, a bad operator or a store failure. The entity is skipped for the cycle.
var ErrEvaluation = errors.New("evaluation failed")

// Evaluator checks conditions against the state store. It keeps no state of its own.
type Evaluator struct {
	states state.Reader
	logger *zap.Logger
}

func NewEvaluator(states state.Reader, logger *zap.Logger) *Evaluator {
	return &Evaluator{states: states, logger: logger.With(zap.String("component", "evaluator"))}
}

// Evaluate reads the subject channel and compares it with the literal
func (e *Evaluator) Evaluate(ctx context.Context, c models.Condition) (bool, error) {
	v, ok, err := e.states.Read(ctx, c.Subject, c.StateChannel())
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrEvaluation, c, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: %s: no state for %s.%s", ErrEvaluation, c, c.Subject, c.StateChannel())
	}
	result, err := Compare(v, c.Comparison, c.Value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", c, err)
	}
	e.logger.Debug("AUTOMATION: Condition evaluated", zap.Stringer("condition", c), zap.Any("actual", v), zap.Bool("result", result))
	return result, nil
}

// TargetConditions combines a condition set. An empty set is false for both
// combinators, so an unconfigured rule never fires.
func (e *Evaluator) TargetConditions(ctx context.Context, set []models.Condition, comb models.Combinator) (bool, error) {
	if len(set) == 0 {
		return false, nil
	}
	for _, c := range set {
		ok, err := e.Evaluate(ctx, c)
		if err != nil {
			return false, err
		}
		if comb == models.Or && ok {
			return true, nil
		}
		if comb != models.Or && !ok {
			return false, nil
		}
	}
	return comb != models.Or, nil
}
