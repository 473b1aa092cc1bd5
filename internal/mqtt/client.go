// Package mqtt wraps paho.mqtt.golang with connection tracking, bridge
// status publishing and subscriptions that survive reconnects.
package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler receives messages for a subscription. Returned errors are
// logged. Handlers run on paho's goroutines and should not block for long.
type MessageHandler func(topic string, payload []byte) error

// Broker is the subset of Client used by publishers
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client is a connected MQTT client
type Client struct {
	client pahomqtt.Client
	cfg    Config
	logger *zap.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connMu    sync.RWMutex
	connected bool

	callbackMu sync.RWMutex
	onConnect  func()
}

// Connect dials the broker, sets the last will and publishes "online" to
// the status topic on every (re)connect.
func Connect(cfg Config, logger *zap.Logger) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.StatusTopic)

	c := &Client{
		cfg:           cfg,
		logger:        logger.Named("mqtt"),
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// the connect handler runs asynchronously
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.BrokerURL()))
	return c, nil
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()

	if c.cfg.StatusTopic != "" {
		c.client.Publish(c.cfg.StatusTopic, QoS, true, PayloadOnline)
	}

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("Lost connection to MQTT broker", zap.Error(err))
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, QoS, c.wrapHandler(sub.handler))
	}
}

// SetOnConnect registers a callback run after every (re)connect, e.g. to
// republish retained discovery configs.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// IsConnected returns the last known connection state
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Publish sends a message with the default QoS
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, QoS, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is restored
// after a reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, QoS, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes a subscription
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.forget(topic)

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Close publishes "offline" to the status topic and disconnects
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() && c.cfg.StatusTopic != "" {
		token := c.client.Publish(c.cfg.StatusTopic, QoS, true, PayloadOffline)
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Info("Disconnected from MQTT broker")
	return nil
}

// wrapHandler adds panic recovery and error logging to a handler
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					zap.String("topic", msg.Topic()),
					zap.Any("panic", r))
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("MQTT handler returned error",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
		}
	}
}
