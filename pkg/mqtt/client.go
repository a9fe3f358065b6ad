package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/rovpilot/pkg/log"
)

// ErrNotStarted is returned by operations issued before Start.
var ErrNotStarted = errors.New("mqtt client not started")

type pahoPublisher struct {
	cfg       *ClientConfig
	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewPublisher creates a new MQTT client implementing the Publisher interface.
func NewPublisher(cfg *ClientConfig) (Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}

	setDefaultConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	return &pahoPublisher{
		cfg: cfg,
	}, nil
}

func (c *pahoPublisher) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL) // Already validated

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		WillMessage: c.willMessage(),
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
		},
		OnConnectionUp:   c.onConnectionUp,
		OnConnectError:   c.onConnectError,
		OnConnectionDown: c.onConnectionDown,
	}

	log.Info("Starting MQTT publisher", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *pahoPublisher) Disconnect(ctx context.Context) {
	if c.cm != nil {
		_ = c.cm.Disconnect(ctx)
		c.connected.Store(false)
		log.Info("MQTT publisher disconnected")
	}
}

func (c *pahoPublisher) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	if qos < 0 || qos > 2 {
		return fmt.Errorf("invalid qos %d", qos)
	}

	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})

	return err
}

func (c *pahoPublisher) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoPublisher) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoPublisher) onConnectionUp(_ *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	log.Info("MQTT connection established")
}

func (c *pahoPublisher) onConnectionDown() bool {
	c.connected.Store(false)
	log.Warn("MQTT connection lost, reconnecting")
	return true
}

func (c *pahoPublisher) onConnectError(err error) {
	log.Error(err, "MQTT connection failed, retrying...")
}

func (c *pahoPublisher) onClientError(err error) {
	log.Error(err, "MQTT client internal error")
}

func (c *pahoPublisher) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	log.Warn("MQTT server requested disconnect", "reason", reason)
}

func (c *pahoPublisher) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}
