package automation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"homecore/internal/metrics"
	"homecore/internal/models"
	"homecore/internal/store"
)

var (
	// ErrAction wraps publish failures and missing targets
	ErrAction         = errors.New("action failed")
	ErrUnknownCommand = errors.New("unknown command")
)

// FreezeKey is the extra side-channel key holding the freeze deadline in unix nanoseconds
const FreezeKey = "freeze_until"

// Publisher sends a payload to a topic
type Publisher interface {
	Publish(topic, payload string, retain bool) error
}

// StateStore is the part of the device state store the automation layer touches
type StateStore interface {
	Read(ctx context.Context, ref models.Ref, channel string) (any, bool, error)
	Extra(ctx context.Context, ref models.Ref, key string) (string, bool, error)
	SetExtra(ctx context.Context, ref models.Ref, key, value string) error
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
}

type commandHandler func(ctx context.Context, r models.Resource, direct bool) error

// Executor turns commands into published messages
type Executor struct {
	store   store.Store
	states  StateStore
	pub     Publisher
	freeze  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	handlers map[models.Command]commandHandler
}

// NewExecutor wires an executor. freeze is the minimum gap between two
// automation-driven commands to one device; now is the engine clock.
func NewExecutor(st store.Store, states StateStore, pub Publisher, freeze time.Duration, now func() time.Time, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if now == nil {
		now = time.Now
	}
	e := &Executor{
		store:   st,
		states:  states,
		pub:     pub,
		freeze:  freeze,
		now:     now,
		metrics: m,
		logger:  logger.With(zap.String("component", "executor")),
	}
	e.handlers = map[models.Command]commandHandler{
		models.CommandOn:     e.on,
		models.CommandOff:    e.off,
		models.CommandToggle: e.toggle,
		models.CommandPush:   e.push,
	}
	return e
}

// Apply runs one action. direct commands skip the freeze window.
func (e *Executor) Apply(ctx context.Context, a models.Action, direct bool) error {
	return e.Turn(ctx, a.Target, a.Command, direct)
}

// Turn sends cmd to the resource uid
func (e *Executor) Turn(ctx context.Context, uid string, cmd models.Command, direct bool) error {
	handler, ok := e.handlers[cmd]
	if !ok {
		return fmt.Errorf("%w: %q for %s", ErrUnknownCommand, cmd, uid)
	}
	r, err := e.store.GetResource(ctx, uid)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAction, uid, err)
	}
	return handler(ctx, r, direct)
}

func (e *Executor) on(ctx context.Context, r models.Resource, direct bool) error {
	sent, err := e.send(ctx, r, models.CommandOn, true, direct)
	if err != nil || !sent {
		return err
	}
	if r.AutoOff > 0 {
		e.scheduleAutoOff(ctx, r)
	}
	return nil
}

func (e *Executor) off(ctx context.Context, r models.Resource, direct bool) error {
	_, err := e.send(ctx, r, models.CommandOff, true, direct)
	return err
}

func (e *Executor) toggle(ctx context.Context, r models.Resource, direct bool) error {
	v, _, err := e.states.Read(ctx, r.Ref(), models.DefaultChannel)
	if err != nil {
		return fmt.Errorf("%w: toggle %s: %w", ErrAction, r.UID, err)
	}
	switch models.FormatValue(v) {
	case string(models.CommandOn):
		return e.off(ctx, r, direct)
	case string(models.CommandOff):
		return e.on(ctx, r, direct)
	}
	e.logger.Warn("EXECUTOR: Cannot toggle, state unknown", zap.String("uid", r.UID), zap.Any("state", v))
	return nil
}

func (e *Executor) push(ctx context.Context, r models.Resource, direct bool) error {
	_, err := e.send(ctx, r, models.CommandPush, false, direct)
	return err
}

// send publishes cmd unless an indirect command hits the freeze window.
// It reports whether anything was published.
func (e *Executor) send(ctx context.Context, r models.Resource, cmd models.Command, retain, direct bool) (bool, error) {
	now := e.now()
	if !direct {
		frozen, err := e.frozen(ctx, r.Ref(), FreezeKey, now)
		if err != nil {
			e.metrics.Command(string(cmd), metrics.OutcomeFailed)
			return false, fmt.Errorf("%w: %s %s: %w", ErrAction, cmd, r.UID, err)
		}
		if frozen {
			e.metrics.Command(string(cmd), metrics.OutcomeSuppressed)
			e.logger.Debug("EXECUTOR: Command suppressed by freeze window", zap.String("uid", r.UID), zap.String("command", string(cmd)))
			return false, nil
		}
	}

	if err := e.pub.Publish(r.Topic(), string(cmd), retain); err != nil {
		e.metrics.Command(string(cmd), metrics.OutcomeFailed)
		return false, fmt.Errorf("%w: %s %s: %w", ErrAction, cmd, r.UID, err)
	}
	e.metrics.Command(string(cmd), metrics.OutcomePublished)
	e.logger.Info("EXECUTOR: Command published", zap.String("uid", r.UID), zap.String("command", string(cmd)), zap.Bool("direct", direct))

	if !direct {
		deadline := now.Add(e.freeze).UnixNano()
		if err := e.states.SetExtra(ctx, r.Ref(), FreezeKey, strconv.FormatInt(deadline, 10)); err != nil {
			e.logger.Warn("EXECUTOR: Failed to advance freeze deadline", zap.String("uid", r.UID), zap.Error(err))
		}
	}
	if err := e.store.LogCommand(ctx, r.UID, cmd, direct); err != nil {
		e.logger.Warn("EXECUTOR: Failed to log command", zap.String("uid", r.UID), zap.Error(err))
	}
	return true, nil
}

// frozen reports whether the deadline stored under key is still ahead of now
func (e *Executor) frozen(ctx context.Context, ref models.Ref, key string, now time.Time) (bool, error) {
	raw, ok, err := e.states.Extra(ctx, ref, key)
	if err != nil || !ok {
		return false, err
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("EXECUTOR: Ignoring malformed freeze deadline", zap.Stringer("ref", ref), zap.String("key", key), zap.String("value", raw))
		return false, nil
	}
	return now.UnixNano() < until, nil
}

func (e *Executor) scheduleAutoOff(ctx context.Context, r models.Resource) {
	action := models.Action{Target: r.UID, Command: models.CommandOff}
	task, created, err := e.store.GetOrCreateTask(ctx, models.NewActionTask(action, e.now().Add(r.AutoOff)))
	if err != nil {
		e.logger.Warn("EXECUTOR: Failed to schedule auto-off", zap.String("uid", r.UID), zap.Error(err))
		return
	}
	if created {
		e.logger.Info("EXECUTOR: Auto-off scheduled", zap.String("uid", r.UID), zap.Time("at", task.ScheduledOn))
	}
}
