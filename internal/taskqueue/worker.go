package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"homecore/internal/models"
)

// Inbox task types
const (
	TypeSwitchCommand = "command:switch"
	TypeScenarioRun   = "scenario:run"
)

// SwitchCommandPayload asks for a direct command to one device
type SwitchCommandPayload struct {
	UID     string         `json:"uid"`
	Command models.Command `json:"command"`
}

// ScenarioRunPayload asks for a manual scenario run
type ScenarioRunPayload struct {
	ID int64 `json:"id"`
}

func NewSwitchCommandTask(uid string, cmd models.Command) (*asynq.Task, error) {
	payload, err := json.Marshal(SwitchCommandPayload{UID: uid, Command: cmd})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSwitchCommand, payload, asynq.MaxRetry(3), asynq.Timeout(10*time.Second)), nil
}

func NewScenarioRunTask(id int64) (*asynq.Task, error) {
	payload, err := json.Marshal(ScenarioRunPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeScenarioRun, payload, asynq.MaxRetry(3), asynq.Timeout(30*time.Second)), nil
}

// ScenarioGetter loads one scenario
type ScenarioGetter interface {
	GetScenario(ctx context.Context, id int64) (models.Scenario, error)
}

// Inbox executes commands other processes enqueue through asynq
type Inbox struct {
	srv       *asynq.Server
	mux       *asynq.ServeMux
	scenarios ScenarioGetter
	exec      ActionApplier
	runner    ScenarioRunner
	logger    *zap.Logger
}

// NewInbox builds the asynq server and registers handlers
func NewInbox(redisOpt asynq.RedisClientOpt, concurrency int, scenarios ScenarioGetter, exec ActionApplier, runner ScenarioRunner, logger *zap.Logger) *Inbox {
	logger = logger.With(zap.String("component", "inbox"))
	if concurrency <= 0 {
		concurrency = 1
	}
	i := &Inbox{
		scenarios: scenarios,
		exec:      exec,
		runner:    runner,
		logger:    logger,
		mux:       asynq.NewServeMux(),
	}
	i.mux.HandleFunc(TypeSwitchCommand, i.HandleSwitchCommand)
	i.mux.HandleFunc(TypeScenarioRun, i.HandleScenarioRun)
	i.srv = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Logger:      logger.Sugar(),
	})
	return i
}

// Run processes inbox tasks until ctx is done
func (i *Inbox) Run(ctx context.Context) error {
	i.logger.Info("TASKQUEUE: Starting command inbox")
	if err := i.srv.Start(i.mux); err != nil {
		return fmt.Errorf("start inbox: %w", err)
	}
	<-ctx.Done()
	i.srv.Shutdown()
	i.logger.Info("TASKQUEUE: Command inbox stopped")
	return nil
}

// HandleSwitchCommand applies a direct command
func (i *Inbox) HandleSwitchCommand(ctx context.Context, t *asynq.Task) error {
	var p SwitchCommandPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	cmd, err := models.ParseCommand(string(p.Command))
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	i.logger.Info("TASKQUEUE: Switch command received", zap.String("uid", p.UID), zap.String("command", string(cmd)))
	return i.exec.Turn(ctx, p.UID, cmd, true)
}

// HandleScenarioRun works out a scenario on request
func (i *Inbox) HandleScenarioRun(ctx context.Context, t *asynq.Task) error {
	var p ScenarioRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	sc, err := i.scenarios.GetScenario(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("scenario %d: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	fired, err := i.runner.WorkOut(ctx, sc)
	if err != nil {
		return err
	}
	i.logger.Info("TASKQUEUE: Scenario worked out", zap.Int64("scenario", sc.ID), zap.Bool("fired", fired))
	return nil
}

// Client enqueues inbox tasks
type Client struct {
	c *asynq.Client
}

func NewClient(redisOpt asynq.RedisClientOpt) *Client {
	return &Client{c: asynq.NewClient(redisOpt)}
}

func (c *Client) EnqueueSwitch(ctx context.Context, uid string, cmd models.Command) (*asynq.TaskInfo, error) {
	task, err := NewSwitchCommandTask(uid, cmd)
	if err != nil {
		return nil, err
	}
	return c.c.EnqueueContext(ctx, task)
}

func (c *Client) EnqueueScenario(ctx context.Context, id int64) (*asynq.TaskInfo, error) {
	task, err := NewScenarioRunTask(id)
	if err != nil {
		return nil, err
	}
	return c.c.EnqueueContext(ctx, task)
}

func (c *Client) Close() error {
	return c.c.Close()
}
