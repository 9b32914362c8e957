package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"homecore/internal/automation"
	"homecore/internal/broker"
	"homecore/internal/config"
	"homecore/internal/db"
	"homecore/internal/discovery"
	"homecore/internal/engine"
	"homecore/internal/history"
	"homecore/internal/logging"
	"homecore/internal/metrics"
	"homecore/internal/mqtt"
	"homecore/internal/redis"
	"homecore/internal/scheduler"
	"homecore/internal/state"
	"homecore/internal/taskqueue"
	"homecore/internal/virtual"
	"homecore/internal/web"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, "homecore-engine")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Engine exited", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	loc := cfg.Location()
	now := func() time.Time { return time.Now().In(loc) }

	if cfg.MQTT.Embedded {
		b, err := broker.New(cfg.MQTT.EmbeddedAddr, logger)
		if err != nil {
			return fmt.Errorf("embedded broker: %w", err)
		}
		b.Start()
		defer b.Close()
		if cfg.MQTT.Broker == "" {
			cfg.MQTT.Broker = "tcp://localhost" + cfg.MQTT.EmbeddedAddr
		}
	}

	dbConn, err := db.NewDB(ctx, cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer dbConn.Close()
	if cfg.Database.Migrate {
		if err := dbConn.Migrate(ctx); err != nil {
			return err
		}
	}

	redisClient, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	defer redisClient.Close()

	states := state.New(redisClient, logger, dbConn)
	checks := map[string]web.HealthFunc{
		"database": dbConn.Ping,
		"redis":    states.Ping,
	}
	if cfg.Influx.Enabled {
		sink, err := history.Connect(ctx, cfg.Influx, logger)
		if err != nil {
			// history is optional, the engine runs without it
			logger.Warn("Influx history disabled", zap.Error(err))
		} else {
			defer sink.Close()
			states.AddSink(sink)
			checks["influx"] = sink.HealthCheck
		}
	}

	transport := mqtt.New(cfg.MQTT, logger)
	defer transport.Close()
	checks["mqtt"] = transport.HealthCheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	exec := automation.NewExecutor(dbConn, states, transport, cfg.Engine.FreezeWindow, now, m, logger)
	runner := automation.NewRunner(dbConn, automation.NewEvaluator(states, logger), exec, states, now, m, logger)
	queue := taskqueue.NewQueue(dbConn, runner, exec, cfg.Engine.TaskRetention, now, m, logger)
	filler := scheduler.NewFiller(dbConn, dbConn, states, cfg.Engine.Lookahead, now, logger)
	inbox := taskqueue.NewInbox(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Engine.InboxConcurrency, dbConn, exec, runner, logger)

	eng := engine.NewEngine(engine.Deps{
		Store:     dbConn,
		Transport: transport,
		States:    states,
		Runner:    runner,
		Queue:     queue,
		Filler:    filler,
		Cron:      scheduler.NewScheduler(loc, logger),
		Virtuals:  virtual.NewRegistry(now),
		Inbox:     inbox,
		Metrics:   m,
		Logger:    logger,
	}, engine.OptionsFromConfig(cfg))

	webServer := web.NewWebServer(checks, reg, logger)
	go func() {
		if err := webServer.Start(fmt.Sprintf(":%d", cfg.App.Port)); err != nil {
			logger.Error("Web server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		webServer.Shutdown(shutdownCtx)
	}()

	if cfg.MDNS.Enabled {
		announcer, err := discovery.StartMDNSServer(cfg.MDNS.LocalName, logger)
		if err != nil {
			logger.Warn("mDNS announce disabled", zap.Error(err))
		} else {
			defer announcer.Close()
		}
	}

	logger.Info("Starting engine",
		zap.String("agent_id", cfg.App.AgentID),
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("mode", cfg.MQTT.Mode),
		zap.String("timezone", loc.String()),
	)
	return eng.Run(ctx)
}
