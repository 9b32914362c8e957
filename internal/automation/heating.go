package automation

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"homecore/internal/metrics"
	"homecore/internal/models"
)

// PremiseTemperature reads the premise sensor. The configured channel wins,
// then the default channel, then "temp".
func (r *Runner) PremiseTemperature(ctx context.Context, p models.Premise) (float64, error) {
	ref := models.Ref{Kind: models.KindSensor, ID: p.SensorID}
	channels := []string{models.DefaultChannel, "temp"}
	if p.SensorChannel != "" {
		channels = []string{p.SensorChannel}
	}
	for _, ch := range channels {
		v, ok, err := r.states.Read(ctx, ref, ch)
		if err != nil {
			return 0, fmt.Errorf("%w: premise %d: %w", ErrEvaluation, p.ID, err)
		}
		if !ok {
			continue
		}
		f, isNum := models.Float(v)
		if !isNum {
			return 0, fmt.Errorf("%w: premise %d: temperature %v is not numeric", ErrEvaluation, p.ID, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: premise %d: no temperature from %s", ErrEvaluation, p.ID, ref)
}

// EngageHeating opens every circuit of the premise while the temperature is
// at or below the thermostat and closes them above it. Circuits already in
// the wanted position are left alone.
func (r *Runner) EngageHeating(ctx context.Context, p models.Premise) error {
	if p.Controller == nil || p.SensorID == "" {
		return nil
	}
	temp, err := r.PremiseTemperature(ctx, p)
	if err != nil {
		return err
	}
	want := models.CommandClose
	if temp <= p.Thermostat {
		want = models.CommandOpen
	}

	var firstErr error
	for _, c := range p.Circuits {
		v, ok, err := r.states.Read(ctx, p.Controller.Ref(), c.Key)
		if err != nil {
			return fmt.Errorf("%w: premise %d circuit %s: %w", ErrEvaluation, p.ID, c.Key, err)
		}
		if ok && models.FormatValue(v) == string(want) {
			continue
		}
		if err := r.exec.SetCircuit(ctx, *p.Controller, c.Key, want); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetCircuit publishes a retained open/close to {controller topic}/{key}.
// Each circuit has its own freeze window.
func (e *Executor) SetCircuit(ctx context.Context, controller models.Resource, key string, position models.Command) error {
	if position != models.CommandOpen && position != models.CommandClose {
		return fmt.Errorf("%w: %q for circuit %s", ErrUnknownCommand, position, key)
	}
	now := e.now()
	freezeKey := FreezeKey + ":" + key
	frozen, err := e.frozen(ctx, controller.Ref(), freezeKey, now)
	if err != nil {
		e.metrics.Command(string(position), metrics.OutcomeFailed)
		return fmt.Errorf("%w: %s circuit %s: %w", ErrAction, position, key, err)
	}
	if frozen {
		e.metrics.Command(string(position), metrics.OutcomeSuppressed)
		e.logger.Debug("EXECUTOR: Circuit command suppressed by freeze window", zap.String("controller", controller.UID), zap.String("circuit", key))
		return nil
	}

	topic := controller.Topic() + "/" + key
	if err := e.pub.Publish(topic, string(position), true); err != nil {
		e.metrics.Command(string(position), metrics.OutcomeFailed)
		return fmt.Errorf("%w: %s %s: %w", ErrAction, position, topic, err)
	}
	e.metrics.Command(string(position), metrics.OutcomePublished)
	e.logger.Info("EXECUTOR: Circuit command published", zap.String("topic", topic), zap.String("position", string(position)))

	deadline := now.Add(e.freeze).UnixNano()
	if err := e.states.SetExtra(ctx, controller.Ref(), freezeKey, strconv.FormatInt(deadline, 10)); err != nil {
		e.logger.Warn("EXECUTOR: Failed to advance circuit freeze deadline", zap.String("topic", topic), zap.Error(err))
	}
	if err := e.store.LogCommand(ctx, controller.UID+"/"+key, position, false); err != nil {
		e.logger.Warn("EXECUTOR: Failed to log command", zap.String("topic", topic), zap.Error(err))
	}
	return nil
}
