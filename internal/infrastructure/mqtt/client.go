package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meter2mqtt/internal/infrastructure/config"
)

// Client is the bridge's broker connection. The meter device publishes
// discovery configs and readings through it, and it keeps the retained
// status topic in step with the link.
//
// All methods are safe for concurrent use. The Home Assistant birth
// subscription is restored after every reconnect.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	hooks  Hooks

	mu       sync.Mutex
	online   bool
	connects int
	lastLoss error
	subs     map[string]subscription
}

// Hooks observe the broker link. Every field is optional. They are fixed
// at Connect so the first connect is never missed.
type Hooks struct {
	// OnConnect runs after the link comes up, once subscriptions are
	// restored and the online status is queued. reconnect is false for
	// the first connect of the process.
	OnConnect func(reconnect bool)

	// OnConnectionLost runs when the broker link drops.
	OnConnectionLost func(err error)

	// Logger receives message handler errors and panics.
	Logger Logger
}

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Link is a snapshot of the broker connection.
type Link struct {
	Connected  bool
	Reconnects int
	// LastLoss is the error that dropped the link most recently, nil if
	// it never dropped.
	LastLoss error
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's goroutines and should return quickly. A returned
// error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker for the meter identified by meterID.
//
// The offline Last Will goes on the bridge status topic before dialling,
// and online is published on every (re)connect. paho reconnects on its
// own between the configured delay bounds. An error is returned only if
// the first connect does not complete within the connect timeout.
func Connect(cfg config.MQTTConfig, meterID string, hooks Hooks) (*Client, error) {
	c := newClient(cfg, meterID, hooks)

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics.Status(), cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs on its own goroutine and may still be
	// pending here.
	c.mu.Lock()
	c.online = true
	c.mu.Unlock()

	return c, nil
}

func newClient(cfg config.MQTTConfig, meterID string, hooks Hooks) *Client {
	return &Client{
		cfg:    cfg,
		topics: Topics{Prefix: cfg.StatusTopicPrefix, MeterID: meterID},
		hooks:  hooks,
		subs:   make(map[string]subscription),
	}
}

func (c *Client) handleConnect() {
	c.mu.Lock()
	c.online = true
	reconnect := c.connects > 0
	c.connects++
	subs := make([]subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	// A persistent session usually keeps these, a broker restart does not.
	for _, sub := range subs {
		c.paho.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.publishStatus(StatusOnline, "")

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(reconnect)
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.mu.Lock()
	c.online = false
	c.lastLoss = err
	c.mu.Unlock()

	if c.hooks.OnConnectionLost != nil {
		c.hooks.OnConnectionLost(err)
	}
}

// publishStatus queues the retained availability message without waiting.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	payload := buildStatusPayload(status, c.cfg.Broker.ClientID, reason)
	return c.paho.Publish(c.topics.Status(), byte(c.cfg.QoS), true, payload)
}

// Close publishes a graceful offline status, distinct from the Last Will,
// and disconnects after a short quiesce for pending publishes.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishStatus(StatusOffline, "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.online = false
	c.mu.Unlock()

	return nil
}

// HealthCheck returns ErrNotConnected, wrapping the error that dropped the
// link when there is one, unless the broker is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}

	link := c.Link()
	switch {
	case link.Connected:
		return nil
	case link.LastLoss != nil:
		return fmt.Errorf("%w: %w", ErrNotConnected, link.LastLoss)
	default:
		return ErrNotConnected
	}
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.Link().Connected
}

// Link returns the current state of the broker connection.
func (c *Client) Link() Link {
	c.mu.Lock()
	defer c.mu.Unlock()

	link := Link{LastLoss: c.lastLoss}
	if c.connects > 1 {
		link.Reconnects = c.connects - 1
	}
	link.Connected = c.online && c.paho != nil && c.paho.IsConnected()
	return link
}

// Topics returns the bridge topic builder this client was connected with.
func (c *Client) Topics() Topics {
	return c.topics
}

// wrapHandler adapts a MessageHandler to paho, logging returned errors and
// recovered panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil && c.hooks.Logger != nil {
				c.hooks.Logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil && c.hooks.Logger != nil {
			c.hooks.Logger.Warn("MQTT handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}
