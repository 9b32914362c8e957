package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/store/memstore"
)

type call struct {
	UID     string
	Command models.Command
	Direct  bool
}

type fakeExec struct {
	mu    sync.Mutex
	calls []call
	err   error
	panic bool
}

func (f *fakeExec) Apply(ctx context.Context, a models.Action, direct bool) error {
	return f.Turn(ctx, a.Target, a.Command, direct)
}

func (f *fakeExec) Turn(_ context.Context, uid string, cmd models.Command, direct bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("device driver exploded")
	}
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, call{UID: uid, Command: cmd, Direct: direct})
	return nil
}

type fakeRunner struct {
	runs     []time.Time
	workOuts []int64
	err      error
}

func (f *fakeRunner) RunScenario(_ context.Context, _ models.Scenario, minute time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.runs = append(f.runs, minute)
	return true, nil
}

func (f *fakeRunner) WorkOut(_ context.Context, sc models.Scenario) (bool, error) {
	f.workOuts = append(f.workOuts, sc.ID)
	return true, f.err
}

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, clock *time.Time) (*Queue, *memstore.Store, *fakeExec, *fakeRunner) {
	t.Helper()
	nowFn := func() time.Time { return *clock }
	st := memstore.New(nowFn)
	exec := &fakeExec{}
	runner := &fakeRunner{}
	q := NewQueue(st, runner, exec, 30*24*time.Hour, nowFn, nil, zap.NewNop())
	return q, st, exec, runner
}

func TestDrainRunsDueTaskExactlyOnce(t *testing.T) {
	clock := now
	q, st, exec, _ := newQueue(t, &clock)
	ctx := context.Background()

	task, _, err := st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "pump", Command: models.CommandOff}, now))
	require.NoError(t, err)

	done, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	stored, ok := st.Task(task.ID)
	require.True(t, ok)
	assert.True(t, stored.Done)

	done, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, []call{{UID: "pump", Command: models.CommandOff, Direct: true}}, exec.calls)
}

func TestDrainWaitsForDueMinute(t *testing.T) {
	clock := now.Add(59 * time.Second)
	q, st, exec, _ := newQueue(t, &clock)
	ctx := context.Background()

	_, _, err := st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "pump", Command: models.CommandOff}, now.Add(time.Minute)))
	require.NoError(t, err)

	done, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Empty(t, exec.calls)

	clock = now.Add(time.Minute)
	done, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
}

func TestDrainLeavesFailedTaskUndone(t *testing.T) {
	clock := now
	q, st, exec, _ := newQueue(t, &clock)
	ctx := context.Background()

	task, _, err := st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "pump", Command: models.CommandOff}, now))
	require.NoError(t, err)

	exec.err = errors.New("publish failed")
	done, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	stored, _ := st.Task(task.ID)
	assert.False(t, stored.Done)

	exec.err = nil
	exec.panic = true
	done, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	exec.panic = false
	done, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	stored, _ = st.Task(task.ID)
	assert.True(t, stored.Done)
}

func TestDrainRunsScenarioTasks(t *testing.T) {
	clock := now.Add(10 * time.Second)
	q, st, _, runner := newQueue(t, &clock)
	ctx := context.Background()
	st.AddScenario(models.Scenario{ID: 3, Active: true})

	_, _, err := st.GetOrCreateTask(ctx, models.NewScenarioTask(3, now))
	require.NoError(t, err)
	_, _, err = st.GetOrCreateTask(ctx, models.NewScenarioTask(99, now))
	require.NoError(t, err)

	done, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, []time.Time{now}, runner.runs)
}

func TestPurgeKeepsRecentAndPendingTasks(t *testing.T) {
	clock := now
	q, st, _, _ := newQueue(t, &clock)
	ctx := context.Background()

	old, _, _ := st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "a", Command: models.CommandOff}, now))
	require.NoError(t, st.MarkTaskDone(ctx, old.ID))
	_, _, _ = st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "b", Command: models.CommandOff}, now))

	clock = now.Add(29 * 24 * time.Hour)
	recent, _, _ := st.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "c", Command: models.CommandOff}, clock))
	require.NoError(t, st.MarkTaskDone(ctx, recent.ID))

	clock = now.Add(31 * 24 * time.Hour)
	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 2, st.TaskCount())
}
