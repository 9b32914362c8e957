// Package broker runs an in-process MQTT broker for installations without one.
package broker

import (
	"fmt"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"
)

// Broker wraps a mochi MQTT server with a single TCP listener
type Broker struct {
	server *mqtt.Server
	addr   string
	logger *zap.Logger
}

// New prepares a broker listening on addr. All clients are allowed.
func New(addr string, logger *zap.Logger) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: addr,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add listener %s: %w", addr, err)
	}
	return &Broker{server: server, addr: addr, logger: logger.With(zap.String("component", "broker"))}, nil
}

// Start serves in the background
func (b *Broker) Start() {
	go func() {
		b.logger.Info("BROKER: Starting embedded MQTT broker", zap.String("addr", b.addr))
		if err := b.server.Serve(); err != nil {
			b.logger.Error("BROKER: Embedded MQTT broker stopped", zap.Error(err))
		}
	}()
}

// Close stops every listener and disconnects clients
func (b *Broker) Close() error {
	return b.server.Close()
}
