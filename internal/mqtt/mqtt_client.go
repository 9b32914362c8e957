package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homecore/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// buildClientOptions creates paho options from config. Reconnects after the
// first successful session are left to paho; the initial connect is retried by Connect.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(maxBackoff).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
