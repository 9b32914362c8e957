// Package store defines the durable storage contract the engine needs.
// internal/db implements it on Postgres, memstore keeps everything in memory.
package store

import (
	"context"
	"errors"
	"time"

	"homecore/internal/models"
)

// ErrNotFound is returned when a lookup by primary key misses
var ErrNotFound = errors.New("store: not found")

// Resources gives read access to configured devices
type Resources interface {
	ListResources(ctx context.Context) ([]models.Resource, error)
	GetResource(ctx context.Context, uid string) (models.Resource, error)
}

// Rules gives read access to automation entities
type Rules interface {
	ListScenarios(ctx context.Context, activeOnly bool) ([]models.Scenario, error)
	GetScenario(ctx context.Context, id int64) (models.Scenario, error)
	ListBehaviors(ctx context.Context) ([]models.Behavior, error)
	ListRegulators(ctx context.Context) ([]models.Regulator, error)
	ListPremises(ctx context.Context) ([]models.Premise, error)
	ListVirtualDevices(ctx context.Context) ([]models.VirtualDevice, error)
}

// Tasks is the durable deferred-execution log
type Tasks interface {
	// GetOrCreateTask returns the task with t.Key, creating it from t when
	// missing. The bool reports whether a new row was written.
	GetOrCreateTask(ctx context.Context, t models.Task) (models.Task, bool, error)
	ListPendingTasks(ctx context.Context) ([]models.Task, error)
	MarkTaskDone(ctx context.Context, id int64) error
	PurgeTasks(ctx context.Context, before time.Time) (int64, error)
}

// CommandLog records published commands
type CommandLog interface {
	LogCommand(ctx context.Context, uid string, cmd models.Command, direct bool) error
}

// StateSink receives a copy of every device state change
type StateSink interface {
	SaveState(ctx context.Context, ref models.Ref, state models.State) error
}

// Store is everything the engine reads and writes
type Store interface {
	Resources
	Rules
	Tasks
	CommandLog
	StateSink
}
