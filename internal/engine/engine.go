// Package engine runs the control loops: it feeds device reports into the
// state store, evaluates automation entities, drains the task log and keeps
// the housekeeping jobs scheduled.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homecore/internal/automation"
	"homecore/internal/config"
	"homecore/internal/metrics"
	"homecore/internal/models"
	"homecore/internal/mqtt"
	"homecore/internal/scheduler"
	"homecore/internal/store"
	"homecore/internal/taskqueue"
	"homecore/internal/virtual"
)

// Transport is the broker session the engine listens and publishes on
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Subscribed(topic string) bool
	Publish(topic, payload string, retain bool) error
	ProcessPending(fn func(mqtt.Message)) int
	Run(ctx context.Context, fn func(mqtt.Message)) error
}

// StateStore is the write side of the device state store
type StateStore interface {
	Update(ctx context.Context, ref models.Ref, channel, raw string) error
	Snapshot(ctx context.Context, ref models.Ref) (models.State, error)
	Replace(ctx context.Context, ref models.Ref, st models.State) error
}

// Service is a long-running collaborator started with the loops, such as the command inbox
type Service interface {
	Run(ctx context.Context) error
}

// Options holds loop cadences
type Options struct {
	Mode            string
	MessageInterval time.Duration
	EvalInterval    time.Duration
	DrainInterval   time.Duration
	FillInterval    time.Duration
	InitialWait     time.Duration
	PurgeSpec       string
	ResyncSpec      string
}

// OptionsFromConfig maps configuration onto engine options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:            cfg.MQTT.Mode,
		MessageInterval: cfg.Engine.MessageInterval,
		EvalInterval:    cfg.Engine.EvalInterval,
		DrainInterval:   cfg.Engine.DrainInterval,
		FillInterval:    cfg.Engine.FillInterval,
		InitialWait:     cfg.Engine.InitialWait,
		PurgeSpec:       cfg.Engine.PurgeSpec,
		ResyncSpec:      cfg.Engine.ResyncSpec,
	}
}

// Deps are the collaborators of the engine. Inbox and Metrics may be nil.
type Deps struct {
	Store     store.Store
	Transport Transport
	States    StateStore
	Runner    *automation.Runner
	Queue     *taskqueue.Queue
	Filler    *scheduler.Filler
	Cron      *scheduler.Scheduler
	Virtuals  *virtual.Registry
	Inbox     Service
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Engine is the core control engine
type Engine struct {
	store     store.Store
	transport Transport
	states    StateStore
	runner    *automation.Runner
	queue     *taskqueue.Queue
	filler    *scheduler.Filler
	cron      *scheduler.Scheduler
	virtuals  *virtual.Registry
	inbox     Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	// objects whose reports are accepted
	known   map[models.Ref]struct{}
	knownMu sync.RWMutex
}

// NewEngine creates a new engine instance
func NewEngine(d Deps, opts Options) *Engine {
	return &Engine{
		store:     d.Store,
		transport: d.Transport,
		states:    d.States,
		runner:    d.Runner,
		queue:     d.Queue,
		filler:    d.Filler,
		cron:      d.Cron,
		virtuals:  d.Virtuals,
		inbox:     d.Inbox,
		metrics:   d.Metrics,
		logger:    d.Logger.With(zap.String("component", "engine")),
		opts:      opts,
		known:     make(map[models.Ref]struct{}),
	}
}

// Run connects, subscribes, lets retained state arrive and then runs every
// loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transport.Connect(ctx); err != nil {
		return err
	}
	if _, err := e.Resync(ctx); err != nil {
		// the resync job retries
		e.logger.Error("ENGINE: Initial resync failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.messageLoop(ctx) })

	e.logger.Info("ENGINE: Waiting for initial device state", zap.Duration("wait", e.opts.InitialWait))
	select {
	case <-ctx.Done():
		return ignoreCanceled(g.Wait())
	case <-time.After(e.opts.InitialWait):
	}

	if err := e.scheduleJobs(ctx); err != nil {
		cancel()
		return errors.Join(err, ignoreCanceled(g.Wait()))
	}
	e.Fill(ctx)
	e.cron.Start()

	g.Go(func() error { return every(ctx, e.opts.EvalInterval, e.Evaluate) })
	g.Go(func() error { return every(ctx, e.opts.DrainInterval, e.Drain) })
	if e.inbox != nil {
		g.Go(func() error { return e.inbox.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		e.cron.Stop()
		return nil
	})

	e.logger.Info("ENGINE: Engine started", zap.String("mode", e.opts.Mode))
	err := ignoreCanceled(g.Wait())
	e.logger.Info("ENGINE: Engine stopped")
	return err
}

func (e *Engine) messageLoop(ctx context.Context) error {
	handle := func(m mqtt.Message) { e.HandleMessage(ctx, m) }
	if e.opts.Mode == config.ModeBlocking {
		return ignoreCanceled(e.transport.Run(ctx, handle))
	}
	return every(ctx, e.opts.MessageInterval, func(context.Context) {
		e.transport.ProcessPending(handle)
	})
}

func (e *Engine) scheduleJobs(ctx context.Context) error {
	jobs := []struct {
		name, spec string
		fn         func(context.Context)
	}{
		{"fill", "@every " + e.opts.FillInterval.String(), e.Fill},
		{"purge", e.opts.PurgeSpec, e.Purge},
		{"resync", e.opts.ResyncSpec, func(ctx context.Context) {
			if _, err := e.Resync(ctx); err != nil {
				e.logger.Warn("ENGINE: Resync failed", zap.Error(err))
			}
		}},
	}
	for _, job := range jobs {
		fn := job.fn
		if err := e.cron.AddJob(job.name, job.spec, func() { fn(ctx) }); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage stores one device report. Reports for unknown objects are dropped.
func (e *Engine) HandleMessage(ctx context.Context, msg mqtt.Message) {
	ref := msg.Ref()
	if !e.isKnown(ref) {
		e.logger.Debug("ENGINE: Ignoring report from unknown object", zap.String("topic", msg.Topic))
		return
	}
	if err := e.states.Update(ctx, ref, msg.Channel, msg.Payload); err != nil {
		e.logger.Warn("ENGINE: Failed to store report", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	e.metrics.Message()
}

// Resync reloads resources and subscribes topics not subscribed yet.
// It returns how many new subscriptions were made. When virtual devices
// cannot be listed the previously known ones stay known.
func (e *Engine) Resync(ctx context.Context) (int, error) {
	resources, err := e.store.ListResources(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[models.Ref]struct{}, len(resources))
	virtuals, err := e.store.ListVirtualDevices(ctx)
	if err != nil {
		e.logger.Warn("ENGINE: Listing virtual devices failed, keeping known ones", zap.Error(err))
		e.knownMu.RLock()
		for ref := range e.known {
			if ref.Kind == models.KindVirtual {
				known[ref] = struct{}{}
			}
		}
		e.knownMu.RUnlock()
	}


	topics := make(map[string]models.Ref, len(resources))
	for _, r := range resources {
		if r.Type.Kind() == "" {
			e.logger.Warn("ENGINE: Skipping resource of unknown type", zap.String("uid", r.UID), zap.String("type", string(r.Type)))
			continue
		}
		known[r.Ref()] = struct{}{}
		topics[r.SubscriptionTopic()] = r.Ref()
	}
	for _, v := range virtuals {
		known[v.Ref()] = struct{}{}
		if v.Class == "jsonchannels" {
			topics["+/"+string(models.TypeVirtual)+"/"+v.ID+"/#"] = v.Ref()
		}
	}

	e.knownMu.Lock()
	e.known = known
	e.knownMu.Unlock()

	added := 0
	for topic, ref := range topics {
		if e.transport.Subscribed(topic) {
			continue
		}
		if err := e.transport.Subscribe(ctx, topic); err != nil {
			e.logger.Warn("ENGINE: Subscribe failed", zap.String("topic", topic), zap.Stringer("ref", ref), zap.Error(err))
			continue
		}
		added++
	}
	if added > 0 {
		e.logger.Info("ENGINE: Subscribed new topics", zap.Int("count", added), zap.Int("objects", len(known)))
	}
	return added, nil
}

func (e *Engine) isKnown(ref models.Ref) bool {
	e.knownMu.RLock()
	defer e.knownMu.RUnlock()
	_, ok := e.known[ref]
	return ok
}

// Drain runs due tasks once
func (e *Engine) Drain(ctx context.Context) {
	defer e.metrics.ObserveLoop("drain", time.Now())
	err := guard(func() error {
		_, err := e.queue.Drain(ctx)
		return err
	})
	if err != nil {
		e.logger.Error("ENGINE: Task drain failed", zap.Error(err))
	}
}

// Fill materializes upcoming scheduled scenario runs
func (e *Engine) Fill(ctx context.Context) {
	defer e.metrics.ObserveLoop("fill", time.Now())
	err := guard(func() error {
		_, err := e.filler.FillQueue(ctx)
		return err
	})
	if err != nil {
		e.logger.Error("ENGINE: Queue fill failed", zap.Error(err))
	}
}

// Purge removes old done tasks
func (e *Engine) Purge(ctx context.Context) {
	err := guard(func() error {
		_, err := e.queue.Purge(ctx)
		return err
	})
	if err != nil {
		e.logger.Error("ENGINE: Task purge failed", zap.Error(err))
	}
}

// every runs fn now and then on each tick until ctx is done
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
