package discovery

import (
	"fmt"
	"strings"

	"sagecoffee/internal/entities"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "sagecoffee"
)

// Topics builds the MQTT topics of the bridge
type Topics struct {
	DiscoveryPrefix string
	TopicPrefix     string
}

func (t Topics) discovery() string {
	if t.DiscoveryPrefix == "" {
		return DefaultDiscoveryPrefix
	}
	return t.DiscoveryPrefix
}

func (t Topics) prefix() string {
	if t.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return t.TopicPrefix
}

// Config returns the retained discovery topic of an entity
//
// Example: homeassistant/number/XYZ123/volume/config
func (t Topics) Config(component entities.Component, serial, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.discovery(), component, serial, key)
}

func (t Topics) base(e entities.Entity) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.prefix(), e.Serial(), e.Component, e.Key)
}

// State returns the state topic of an entity
func (t Topics) State(e entities.Entity) string {
	return t.base(e) + "/state"
}

// Availability returns the availability topic of an entity
func (t Topics) Availability(e entities.Entity) string {
	return t.base(e) + "/availability"
}

// Attributes returns the JSON attributes topic of an entity
func (t Topics) Attributes(e entities.Entity) string {
	return t.base(e) + "/attributes"
}

// Command returns the command topic of an entity
func (t Topics) Command(e entities.Entity) string {
	return t.base(e) + "/set"
}

// CommandFilter matches the command topics of every entity
func (t Topics) CommandFilter() string {
	return t.prefix() + "/+/+/+/set"
}

// BridgeStatus is the bridge availability and last will topic
func (t Topics) BridgeStatus() string {
	return t.prefix() + "/bridge/status"
}

// ParseCommand splits a command topic into serial, component and key
func (t Topics) ParseCommand(topic string) (serial string, component entities.Component, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return "", "", "", false
	}
	return parts[0], entities.Component(parts[1]), parts[2], true
}
