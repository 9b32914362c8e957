package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/state"
	"homecore/internal/store/memstore"
)

type published struct {
	Topic   string
	Payload string
	Retain  bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(topic, payload string, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{Topic: topic, Payload: payload, Retain: retain})
	return nil
}

func (p *recordingPublisher) Sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mr     *miniredis.Miniredis
	states *state.Store
	store  *memstore.Store
	pub    *recordingPublisher
	clock  *fakeClock
	eval   *Evaluator
	exec   *Executor
	runner *Runner
}

// 2026-10-14 is a Wednesday
var start = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	clock := &fakeClock{now: start}
	st := memstore.New(clock.Now)
	states := state.New(rdb, logger)
	pub := &recordingPublisher{}
	eval := NewEvaluator(states, logger)
	exec := NewExecutor(st, states, pub, time.Minute, clock.Now, nil, logger)
	runner := NewRunner(st, eval, exec, states, clock.Now, nil, logger)

	return &fixture{mr: mr, states: states, store: st, pub: pub, clock: clock, eval: eval, exec: exec, runner: runner}
}

func (f *fixture) set(t *testing.T, ref models.Ref, channel, raw string) {
	t.Helper()
	require.NoError(t, f.states.Update(context.Background(), ref, channel, raw))
}

func (f *fixture) addSwitch(uid string, controlled bool) models.Resource {
	r := models.Resource{UID: uid, Type: models.TypeSwitch, Facility: "home", Controlled: controlled}
	f.store.AddResource(r)
	return r
}

func sensorRef(id string) models.Ref { return models.Ref{Kind: models.KindSensor, ID: id} }
func switchRef(id string) models.Ref { return models.Ref{Kind: models.KindSwitch, ID: id} }

func cond(t *testing.T, subject models.Ref, channel string, cmp models.Comparison, value string) models.Condition {
	t.Helper()
	c, err := models.NewCondition(subject, channel, cmp, value)
	require.NoError(t, err)
	return c
}
