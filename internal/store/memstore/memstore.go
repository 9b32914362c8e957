// Package memstore is an in-memory store.Store for tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"homecore/internal/models"
	"homecore/internal/store"
)

// CommandRecord is one entry of the in-memory command log
type CommandRecord struct {
	UID     string
	Command models.Command
	Direct  bool
	At      time.Time
}

// Store keeps all entities in maps guarded by one mutex
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	resources  map[string]models.Resource
	scenarios  map[int64]models.Scenario
	behaviors  []models.Behavior
	regulators []models.Regulator
	premises   []models.Premise
	virtuals   []models.VirtualDevice
	tasks      map[int64]models.Task
	taskKeys   map[string]int64
	nextTaskID int64
	commands   []CommandRecord
	states     map[models.Ref]models.State
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. now is used for task timestamps.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:       now,
		resources: make(map[string]models.Resource),
		scenarios: make(map[int64]models.Scenario),
		tasks:     make(map[int64]models.Task),
		taskKeys:  make(map[string]int64),
		states:    make(map[models.Ref]models.State),
	}
}

func (s *Store) AddResource(r models.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.UID] = r
}

func (s *Store) AddScenario(sc models.Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Normalize()
	s.scenarios[sc.ID] = sc
}

func (s *Store) AddBehavior(b models.Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors = append(s.behaviors, b)
}

func (s *Store) AddRegulator(r models.Regulator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regulators = append(s.regulators, r)
}

func (s *Store) AddPremise(p models.Premise) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.premises = append(s.premises, p)
}

func (s *Store) AddVirtualDevice(v models.VirtualDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtuals = append(s.virtuals, v)
}

func (s *Store) ListResources(_ context.Context) ([]models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *Store) GetResource(_ context.Context, uid string) (models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[uid]
	if !ok {
		return models.Resource{}, fmt.Errorf("resource %s: %w", uid, store.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListScenarios(_ context.Context, activeOnly bool) ([]models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		if activeOnly && !sc.Active {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetScenario(_ context.Context, id int64) (models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return models.Scenario{}, fmt.Errorf("scenario %d: %w", id, store.ErrNotFound)
	}
	return sc, nil
}

func (s *Store) ListBehaviors(_ context.Context) ([]models.Behavior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Behavior(nil), s.behaviors...), nil
}

func (s *Store) ListRegulators(_ context.Context) ([]models.Regulator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Regulator(nil), s.regulators...), nil
}

func (s *Store) ListPremises(_ context.Context) ([]models.Premise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Premise(nil), s.premises...), nil
}

func (s *Store) ListVirtualDevices(_ context.Context) ([]models.VirtualDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.VirtualDevice(nil), s.virtuals...), nil
}

func (s *Store) GetOrCreateTask(_ context.Context, t models.Task) (models.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.taskKeys[t.Key]; ok {
		return s.tasks[id], false, nil
	}
	s.nextTaskID++
	now := s.now()
	t.ID = s.nextTaskID
	t.Done = false
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	s.taskKeys[t.Key] = t.ID
	return t, true, nil
}

func (s *Store) ListPendingTasks(_ context.Context) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, t := range s.tasks {
		if !t.Done {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledOn.Before(out[j].ScheduledOn) })
	return out, nil
}

func (s *Store) MarkTaskDone(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	t.Done = true
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return nil
}

func (s *Store) PurgeTasks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Done && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			delete(s.taskKeys, t.Key)
			n++
		}
	}
	return n, nil
}

// Task returns a copy of a task by id
func (s *Store) Task(id int64) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// TaskCount returns the number of stored tasks, done or not
func (s *Store) TaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Store) LogCommand(_ context.Context, uid string, cmd models.Command, direct bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, CommandRecord{UID: uid, Command: cmd, Direct: direct, At: s.now()})
	return nil
}

// Commands returns a copy of the command log
func (s *Store) Commands() []CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CommandRecord(nil), s.commands...)
}

func (s *Store) SaveState(_ context.Context, ref models.Ref, state models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(models.State, len(state))
	for k, v := range state {
		cp[k] = v
	}
	s.states[ref] = cp
	return nil
}

// SavedState returns the last state written through SaveState
func (s *Store) SavedState(ref models.Ref) (models.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[ref]
	return st, ok
}
