package channels

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the part of the paho client the event sink uses. Tests
// substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// newClientOptions builds paho options for a publish-only client that keeps
// reconnecting in the background.
func newClientOptions(o MQTTOptions, logger *slog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected")
	})
	return opts
}

// wait blocks on tok for at most timeout and returns its error.
func wait(tok mqtt.Token, timeout time.Duration, op string) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("%s timeout", op)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
