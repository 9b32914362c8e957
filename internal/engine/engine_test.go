package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homecore/internal/automation"
	"homecore/internal/config"
	"homecore/internal/models"
	"homecore/internal/mqtt"
	"homecore/internal/scheduler"
	"homecore/internal/state"
	"homecore/internal/store/memstore"
	"homecore/internal/taskqueue"
	"homecore/internal/virtual"
)

type published struct {
	Topic   string
	Payload string
	Retain  bool
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]bool
	pending   []mqtt.Message
	sent      []published
	err       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]bool)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = true
	return nil
}

func (f *fakeTransport) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[topic]
}

func (f *fakeTransport) Publish(topic, payload string, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{Topic: topic, Payload: payload, Retain: retain})
	return nil
}

func (f *fakeTransport) failPublishes(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	msg, err := mqtt.ParseTopic(topic)
	require.NoError(t, err)
	msg.Payload = payload
	f.mu.Lock()
	f.pending = append(f.pending, msg)
	f.mu.Unlock()
}

func (f *fakeTransport) ProcessPending(fn func(mqtt.Message)) int {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, m := range pending {
		fn(m)
	}
	return len(pending)
}

func (f *fakeTransport) Run(ctx context.Context, fn func(mqtt.Message)) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		f.ProcessPending(fn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *fakeTransport) Sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type fixture struct {
	engine    *Engine
	store     *memstore.Store
	states    *state.Store
	transport *fakeTransport
}

// 2026-10-14 is a Wednesday
var start = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	now := func() time.Time { return start }
	st := memstore.New(now)
	states := state.New(rdb, logger)
	tr := newFakeTransport()

	exec := automation.NewExecutor(st, states, tr, time.Minute, now, nil, logger)
	runner := automation.NewRunner(st, automation.NewEvaluator(states, logger), exec, states, now, nil, logger)
	e := NewEngine(Deps{
		Store:     st,
		Transport: tr,
		States:    states,
		Runner:    runner,
		Queue:     taskqueue.NewQueue(st, runner, exec, 720*time.Hour, now, nil, logger),
		Filler:    scheduler.NewFiller(st, st, states, 6*time.Hour, now, logger),
		Cron:      scheduler.NewScheduler(time.UTC, logger),
		Virtuals:  virtual.NewRegistry(now),
		Logger:    logger,
	}, Options{
		Mode:            mode,
		MessageInterval: 5 * time.Millisecond,
		EvalInterval:    5 * time.Millisecond,
		DrainInterval:   5 * time.Millisecond,
		FillInterval:    time.Minute,
		InitialWait:     20 * time.Millisecond,
		PurgeSpec:       "@daily",
		ResyncSpec:      "@every 1m",
	})
	return &fixture{engine: e, store: st, states: states, transport: tr}
}

func (f *fixture) seedHeater() {
	f.store.AddResource(models.Resource{UID: "heater", Type: models.TypeSwitch, Facility: "home", Controlled: true})
	f.store.AddResource(models.Resource{UID: "t1", Type: models.TypeSensor, Facility: "home"})
}

func cond(t *testing.T, subject models.Ref, cmp models.Comparison, value string) models.Condition {
	t.Helper()
	c, err := models.NewCondition(subject, "", cmp, value)
	require.NoError(t, err)
	return c
}

func TestResyncSubscribesEveryResource(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.seedHeater()
	f.store.AddVirtualDevice(models.VirtualDevice{ID: "meter", Class: "jsonchannels"})

	added, err := f.engine.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.True(t, f.transport.Subscribed("home/switch/heater"))
	assert.True(t, f.transport.Subscribed("home/sensor/t1/#"))
	assert.True(t, f.transport.Subscribed("+/virtual/meter/#"))

	added, err = f.engine.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	f.store.AddResource(models.Resource{UID: "door", Type: models.TypeButton, Facility: "hall"})
	added, err = f.engine.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, f.transport.Subscribed("hall/button/door"))
}

// flakyStore fails selected list queries the way a malformed table would
type flakyStore struct {
	*memstore.Store
	resourcesErr error
	virtualsErr  error
}

func (s *flakyStore) ListResources(ctx context.Context) ([]models.Resource, error) {
	if s.resourcesErr != nil {
		return nil, s.resourcesErr
	}
	return s.Store.ListResources(ctx)
}

func (s *flakyStore) ListVirtualDevices(ctx context.Context) ([]models.VirtualDevice, error) {
	if s.virtualsErr != nil {
		return nil, s.virtualsErr
	}
	return s.Store.ListVirtualDevices(ctx)
}

func TestResyncKeepsVirtualDevicesWhenListingFails(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.seedHeater()
	f.store.AddVirtualDevice(models.VirtualDevice{ID: "meter", Class: "jsonchannels"})
	flaky := &flakyStore{Store: f.store}
	f.engine.store = flaky

	_, err := f.engine.Resync(ctx)
	require.NoError(t, err)

	flaky.virtualsErr = errors.New("settings is not an object")
	f.store.AddResource(models.Resource{UID: "door", Type: models.TypeButton, Facility: "hall"})
	added, err := f.engine.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, f.transport.Subscribed("hall/button/door"))
	assert.True(t, f.engine.isKnown(models.Ref{Kind: models.KindVirtual, ID: "meter"}))
	assert.True(t, f.engine.isKnown(models.Ref{Kind: models.KindSwitch, ID: "heater"}))
}

func TestRunContinuesAfterFailedInitialResync(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	f.seedHeater()
	f.engine.store = &flakyStore{Store: f.store, resourcesErr: errors.New("connection reset")}
	t1 := models.Ref{Kind: models.KindSensor, ID: "t1"}
	f.store.AddBehavior(models.Behavior{
		ID:           1,
		ConditionsOn: []models.Condition{cond(t, t1, models.LessThan, "18")},
		CombinatorOn: models.And,
		Switches:     []string{"heater"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.states.Update(ctx, t1, "", "15"))
	require.NoError(t, f.states.Update(ctx, models.Ref{Kind: models.KindSwitch, ID: "heater"}, "", "off"))

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.transport.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestHandleMessageStoresKnownReports(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.seedHeater()
	_, err := f.engine.Resync(ctx)
	require.NoError(t, err)

	f.engine.HandleMessage(ctx, mqtt.Message{Topic: "home/sensor/t1/temp", Type: models.TypeSensor, ID: "t1", Channel: "temp", Payload: "21.5"})
	f.engine.HandleMessage(ctx, mqtt.Message{Topic: "home/sensor/ghost", Type: models.TypeSensor, ID: "ghost", Channel: "state", Payload: "1"})

	v, ok, err := f.states.Read(ctx, models.Ref{Kind: models.KindSensor, ID: "t1"}, "temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	_, ok, err = f.states.Read(ctx, models.Ref{Kind: models.KindSensor, ID: "ghost"}, "state")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateIsolatesFailingEntities(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.seedHeater()
	t1 := models.Ref{Kind: models.KindSensor, ID: "t1"}

	// no reading for "missing" so this regulator fails every cycle
	f.store.AddRegulator(models.Regulator{ID: 1, SensorID: "missing", Lower: 20, Upper: 24, Direction: true, Switches: []string{"heater"}})
	f.store.AddBehavior(models.Behavior{
		ID:           2,
		ConditionsOn: []models.Condition{cond(t, t1, models.LessThan, "18")},
		CombinatorOn: models.And,
		Switches:     []string{"heater"},
	})
	require.NoError(t, f.states.Update(ctx, t1, "", "15"))
	require.NoError(t, f.states.Update(ctx, models.Ref{Kind: models.KindSwitch, ID: "heater"}, "", "off"))

	f.engine.Evaluate(ctx)
	assert.Equal(t, []published{{Topic: "home/switch/heater", Payload: "on", Retain: true}}, f.transport.Sent())
}

func TestEvaluateRefreshesVirtualDevices(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	ref := models.Ref{Kind: models.KindVirtual, ID: "clock"}
	f.store.AddVirtualDevice(models.VirtualDevice{ID: "clock", Class: "clock"})
	f.store.AddVirtualDevice(models.VirtualDevice{ID: "broken", Class: "sundial"})

	f.engine.Evaluate(ctx)
	v, ok, err := f.states.Read(ctx, ref, "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "07:30", v)
}

func TestJSONChannelsFromRawReports(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.store.AddVirtualDevice(models.VirtualDevice{ID: "meter", Class: "jsonchannels"})
	_, err := f.engine.Resync(ctx)
	require.NoError(t, err)

	f.engine.HandleMessage(ctx, mqtt.Message{Topic: "home/virtual/meter/raw", Type: models.TypeVirtual, ID: "meter", Channel: "raw", Payload: `{"power": 120}`})
	f.engine.Evaluate(ctx)

	v, ok, err := f.states.Read(ctx, models.Ref{Kind: models.KindVirtual, ID: "meter"}, "power")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120.0, v)
}

func TestDrainRunsAutoOffTask(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.store.AddResource(models.Resource{UID: "pump", Type: models.TypeSwitch, Facility: "yard", Controlled: true})
	_, _, err := f.store.GetOrCreateTask(ctx, models.NewActionTask(models.Action{Target: "pump", Command: models.CommandOff}, start))
	require.NoError(t, err)

	f.engine.Drain(ctx)
	f.engine.Drain(ctx)
	assert.Equal(t, []published{{Topic: "yard/switch/pump", Payload: "off", Retain: true}}, f.transport.Sent())
}

func TestDrainRetriesScenarioTaskAfterPublishFailure(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	f.seedHeater()
	f.store.AddScenario(models.Scenario{
		ID:      4,
		Active:  true,
		Actions: []models.Action{{Target: "heater", Command: models.CommandOn}},
	})
	task, _, err := f.store.GetOrCreateTask(ctx, models.NewScenarioTask(4, start))
	require.NoError(t, err)

	f.transport.failPublishes(mqtt.ErrNotConnected)
	f.engine.Drain(ctx)
	got, _ := f.store.Task(task.ID)
	assert.False(t, got.Done)
	assert.Empty(t, f.transport.Sent())

	f.transport.failPublishes(nil)
	f.engine.Drain(ctx)
	got, _ = f.store.Task(task.ID)
	assert.True(t, got.Done)
	assert.Equal(t, []published{{Topic: "home/switch/heater", Payload: "on", Retain: true}}, f.transport.Sent())

	f.engine.Drain(ctx)
	assert.Len(t, f.transport.Sent(), 1)
}

func TestFillCreatesScheduledTasks(t *testing.T) {
	f := newFixture(t, config.ModePolled)
	ctx := context.Background()
	at := models.TimeOfDay{Hour: 9}
	f.store.AddScenario(models.Scenario{ID: 1, Active: true, Schedules: []models.Schedule{{ID: 1, ScenarioID: 1, Daily: true, At: &at}}})

	f.engine.Fill(ctx)
	f.engine.Fill(ctx)
	assert.Equal(t, 1, f.store.TaskCount())
}

func TestRunAbsorbsRetainedStateBeforeEvaluating(t *testing.T) {
	for _, mode := range []string{config.ModePolled, config.ModeBlocking} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			f.seedHeater()
			t1 := models.Ref{Kind: models.KindSensor, ID: "t1"}
			f.store.AddBehavior(models.Behavior{
				ID:           1,
				ConditionsOn: []models.Condition{cond(t, t1, models.LessThan, "18")},
				CombinatorOn: models.And,
				Switches:     []string{"heater"},
			})
			// retained reports waiting on the broker at startup
			f.transport.deliver(t, "home/sensor/t1", "15")
			f.transport.deliver(t, "home/switch/heater", "off")

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- f.engine.Run(ctx) }()

			require.Eventually(t, func() bool { return len(f.transport.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("engine did not stop")
			}
			assert.Equal(t, published{Topic: "home/switch/heater", Payload: "on", Retain: true}, f.transport.Sent()[0])
		})
	}
}
