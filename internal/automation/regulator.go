package automation

import (
	"context"
	"fmt"

	"homecore/internal/models"
)

// Signal is the regulator output
type Signal int

const (
	SignalNone Signal = iota
	SignalOn
	SignalOff
)

func (s Signal) String() string {
	switch s {
	case SignalOn:
		return "on"
	case SignalOff:
		return "off"
	}
	return "none"
}

func boolSignal(b bool) Signal {
	if b {
		return SignalOn
	}
	return SignalOff
}

// RegulatorSignal applies the hysteresis band: at or below lower the signal
// is direction, at or above upper it is the opposite, in between none.
func RegulatorSignal(reg models.Regulator, metric float64) Signal {
	switch {
	case metric <= reg.Lower:
		return boolSignal(reg.Direction)
	case metric >= reg.Upper:
		return boolSignal(!reg.Direction)
	}
	return SignalNone
}

// EngageRegulator drives every controlled switch toward the signal.
// Inside the band nothing is sent.
func (r *Runner) EngageRegulator(ctx context.Context, reg models.Regulator) error {
	ref := models.Ref{Kind: models.KindSensor, ID: reg.SensorID}
	channel := reg.Channel
	if channel == "" {
		channel = models.DefaultChannel
	}
	v, ok, err := r.states.Read(ctx, ref, channel)
	if err != nil {
		return fmt.Errorf("regulator %d: %w: %w", reg.ID, ErrEvaluation, err)
	}
	if !ok {
		return fmt.Errorf("regulator %d: %w: no state for %s.%s", reg.ID, ErrEvaluation, ref, channel)
	}
	metric, isNum := models.Float(v)
	if !isNum {
		return fmt.Errorf("regulator %d: %w: %s.%s is not numeric: %v", reg.ID, ErrEvaluation, ref, channel, v)
	}

	signal := RegulatorSignal(reg, metric)
	if signal == SignalNone {
		return nil
	}

	switches, err := r.controlledSwitches(ctx, reg.Switches)
	if err != nil {
		return fmt.Errorf("regulator %d: %w", reg.ID, err)
	}
	var firstErr error
	for _, sw := range switches {
		current := r.switchState(ctx, sw)
		var cmd models.Command
		switch {
		case signal == SignalOn && current == string(models.CommandOff):
			cmd = models.CommandOn
		case signal == SignalOff && current == string(models.CommandOn):
			cmd = models.CommandOff
		default:
			continue
		}
		if err := r.exec.Turn(ctx, sw.UID, cmd, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
