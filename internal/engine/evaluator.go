package engine

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"go.uber.org/zap"

	"homecore/internal/models"
)

// Evaluate runs one evaluation cycle. Entity sets are reloaded from storage
// and every entity is checked on its own: one failing entity does not stop
// the others.
func (e *Engine) Evaluate(ctx context.Context) {
	defer e.metrics.ObserveLoop("evaluate", time.Now())

	check(ctx, e, "virtual", e.store.ListVirtualDevices,
		func(v models.VirtualDevice) string { return v.ID }, e.refreshVirtual)
	check(ctx, e, "scenario", func(ctx context.Context) ([]models.Scenario, error) { return e.store.ListScenarios(ctx, true) },
		func(sc models.Scenario) string { return strconv.FormatInt(sc.ID, 10) },
		func(ctx context.Context, sc models.Scenario) error {
			_, err := e.runner.Engage(ctx, sc)
			return err
		})
	check(ctx, e, "behavior", e.store.ListBehaviors,
		func(b models.Behavior) string { return strconv.FormatInt(b.ID, 10) }, e.runner.EngageBehavior)
	check(ctx, e, "regulator", e.store.ListRegulators,
		func(r models.Regulator) string { return strconv.FormatInt(r.ID, 10) }, e.runner.EngageRegulator)
	check(ctx, e, "premise", e.store.ListPremises,
		func(p models.Premise) string { return strconv.FormatInt(p.ID, 10) }, e.runner.EngageHeating)
}

func check[T any](ctx context.Context, e *Engine, kind string, load func(context.Context) ([]T, error), id func(T) string, fn func(context.Context, T) error) {
	items, err := load(ctx)
	if err != nil {
		e.metrics.EntityError(kind)
		e.logger.Error("ENGINE: Failed to load entities", zap.String("kind", kind), zap.Error(err))
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if err := guard(func() error { return fn(ctx, item) }); err != nil {
			e.metrics.EntityError(kind)
			e.logger.Warn("ENGINE: Entity check failed", zap.String("kind", kind), zap.String("id", id(item)), zap.Error(err))
		}
	}
}

// refreshVirtual recomputes a virtual device and stores the result when it changed
func (e *Engine) refreshVirtual(ctx context.Context, v models.VirtualDevice) error {
	previous, err := e.states.Snapshot(ctx, v.Ref())
	if err != nil {
		return err
	}
	next, err := e.virtuals.Evaluate(v, previous)
	if err != nil {
		return err
	}
	if maps.Equal(previous, next) {
		return nil
	}
	return e.states.Replace(ctx, v.Ref(), next)
}

// guard turns a panic in fn into an error
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
