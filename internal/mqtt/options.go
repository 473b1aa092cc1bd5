package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultReconnectMax      = 2 * time.Minute

	// QoS used for every publish and subscription
	QoS byte = 1
)

// Availability payloads understood by Home Assistant
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds broker connection settings
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string

	// StatusTopic receives "online" on connect and is the last will topic
	StatusTopic string
}

// BrokerURL returns the broker address in paho form
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(defaultReconnectMax)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// Command handlers call the gateway and must not hold up the router.
	opts.SetOrderMatters(false)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return opts
}

// configureLWT makes the broker mark the bridge offline if the connection drops
func configureLWT(opts *pahomqtt.ClientOptions, statusTopic string) {
	if statusTopic == "" {
		return
	}
	opts.SetWill(statusTopic, PayloadOffline, QoS, true)
}
