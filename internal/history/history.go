// Package history writes every device state change to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"homecore/internal/config"
	"homecore/internal/models"
)

const (
	measurement    = "device_state"
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

var ErrDisabled = errors.New("influx history is disabled")

// Sink is a store.StateSink backed by the non-blocking InfluxDB write API
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	now      func() time.Time
	logger   *zap.Logger
}

// Connect pings the server and starts the batching writer. Write errors are logged.
func Connect(ctx context.Context, cfg config.InfluxConfig, logger *zap.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	logger = logger.With(zap.String("component", "history"))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetBatchSize(100))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influx ping: server not healthy")
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		now:      time.Now,
		logger:   logger,
	}
	go func() {
		for err := range s.writeAPI.Errors() {
			s.logger.Warn("HISTORY: Write failed", zap.Error(err))
		}
	}()
	logger.Info("HISTORY: Connected", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return s, nil
}

// SaveState queues one point holding every channel of the object
func (s *Sink) SaveState(_ context.Context, ref models.Ref, st models.State) error {
	if p := statePoint(ref, st, s.now()); p != nil {
		s.writeAPI.WritePoint(p)
	}
	return nil
}

// HealthCheck pings the server
func (s *Sink) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx health check: %w", err)
	}
	if !healthy {
		return errors.New("influx health check: server not healthy")
	}
	return nil
}

// Close flushes pending points
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// statePoint tags by object and stores numbers as float fields, the rest as strings
func statePoint(ref models.Ref, st models.State, at time.Time) *write.Point {
	if len(st) == 0 {
		return nil
	}
	fields := make(map[string]any, len(st))
	for ch, v := range st {
		if f, ok := v.(float64); ok {
			fields[ch] = f
			continue
		}
		fields[ch] = models.FormatValue(v)
	}
	return influxdb2.NewPoint(measurement, map[string]string{
		"kind": string(ref.Kind),
		"id":   ref.ID,
	}, fields, at)
}
