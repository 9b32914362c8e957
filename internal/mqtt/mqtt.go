// Package mqtt is the broker transport: it keeps one session open, tracks
// subscriptions across reconnects, publishes commands and queues inbound
// device reports for the message loop.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"homecore/internal/config"
)

// Transport wraps a paho client
type Transport struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	qos    byte
	logger *zap.Logger

	inbox chan Message

	subscriptions map[string]struct{}
	subMu         sync.Mutex

	connected bool
	connMu    sync.RWMutex

	connectMu sync.Mutex
}

// New creates a transport. Nothing touches the network until Connect.
func New(cfg config.MQTTConfig, logger *zap.Logger) *Transport {
	size := cfg.InboxSize
	if size <= 0 {
		size = 1024
	}
	t := &Transport{
		cfg:           cfg,
		qos:           byte(cfg.QoS),
		logger:        logger.With(zap.String("component", "mqtt")),
		inbox:         make(chan Message, size),
		subscriptions: make(map[string]struct{}),
	}
	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { t.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { t.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		t.logger.Info("MQTT: Reconnecting", zap.String("broker", cfg.Broker))
	})
	t.client = pahomqtt.NewClient(opts)
	return t
}

// Connect opens the session, retrying with exponential backoff until it
// succeeds or ctx is done. Calling it on a connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	backoff := minBackoff
	for {
		if t.IsConnected() {
			return nil
		}
		token := t.client.Connect()
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			t.setConnected(true)
			t.logger.Info("MQTT: Connected", zap.String("broker", t.cfg.Broker), zap.String("client_id", t.cfg.ClientID))
			return nil
		}
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("timeout after %s", connectTimeout)
		}
		t.logger.Warn("MQTT: Connect failed, retrying", zap.String("broker", t.cfg.Broker), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// Subscribe adds topic to the subscription set. Topics already in the set are
// not subscribed again. It waits for a connection before subscribing.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	t.subMu.Lock()
	_, exists := t.subscriptions[topic]
	t.subMu.Unlock()
	if exists {
		return nil
	}

	backoff := minBackoff
	for !t.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}

	token := t.client.Subscribe(topic, t.qos, t.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout after %s", ErrSubscribeFailed, topic, subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = struct{}{}
	t.subMu.Unlock()
	t.logger.Debug("MQTT: Subscribed", zap.String("topic", topic))
	return nil
}

// Subscribed reports whether topic is in the subscription set
func (t *Transport) Subscribed(topic string) bool {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	_, ok := t.subscriptions[topic]
	return ok
}

// Publish sends payload to topic. Failures are logged and returned, never panicked.
func (t *Transport) Publish(topic, payload string, retain bool) error {
	if !t.IsConnected() {
		t.logger.Warn("MQTT: Publish while disconnected", zap.String("topic", topic))
		return fmt.Errorf("%w: publish %s", ErrNotConnected, topic)
	}
	token := t.client.Publish(topic, t.qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		t.logger.Warn("MQTT: Publish timed out", zap.String("topic", topic))
		return fmt.Errorf("%w: %s: timeout after %s", ErrPublishFailed, topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		t.logger.Warn("MQTT: Publish failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	t.logger.Debug("MQTT: Published", zap.String("topic", topic), zap.String("payload", payload), zap.Bool("retain", retain))
	return nil
}

// ProcessPending hands every queued message to fn without blocking and
// returns how many were handled.
func (t *Transport) ProcessPending(fn func(Message)) int {
	n := 0
	for {
		select {
		case msg := <-t.inbox:
			fn(msg)
			n++
		default:
			return n
		}
	}
}

// Run hands messages to fn as they arrive until ctx is done.
// Reconnects happen underneath through paho.
func (t *Transport) Run(ctx context.Context, fn func(Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-t.inbox:
			fn(msg)
		}
	}
}

// IsConnected returns the last known connection state
func (t *Transport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected && t.client.IsConnected()
}

// HealthCheck returns ErrNotConnected when the session is down
func (t *Transport) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close disconnects from the broker
func (t *Transport) Close() {
	t.client.Disconnect(disconnectQuiesce)
	t.setConnected(false)
	t.logger.Info("MQTT: Disconnected")
}

func (t *Transport) onMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	msg, err := ParseTopic(m.Topic())
	if err != nil {
		t.logger.Debug("MQTT: Ignoring message", zap.String("topic", m.Topic()), zap.Error(err))
		return
	}
	msg.Payload = string(m.Payload())
	t.inbox <- msg
}

func (t *Transport) handleConnect() {
	t.setConnected(true)
	t.restoreSubscriptions()
}

func (t *Transport) handleDisconnect(err error) {
	t.setConnected(false)
	t.logger.Warn("MQTT: Connection lost", zap.Error(err))
}

func (t *Transport) restoreSubscriptions() {
	t.subMu.Lock()
	topics := make([]string, 0, len(t.subscriptions))
	for topic := range t.subscriptions {
		topics = append(topics, topic)
	}
	t.subMu.Unlock()

	for _, topic := range topics {
		token := t.client.Subscribe(topic, t.qos, t.onMessage)
		if token.WaitTimeout(subscribeTimeout) && token.Error() == nil {
			continue
		}
		t.logger.Warn("MQTT: Restoring subscription failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

func (t *Transport) setConnected(v bool) {
	t.connMu.Lock()
	t.connected = v
	t.connMu.Unlock()
}
