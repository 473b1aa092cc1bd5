// Package discovery exposes loaded appliances to Home Assistant over MQTT
// discovery and routes command topics back to the dispatcher.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entities"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/mqtt"
	"sagecoffee/internal/sage"

	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds a command received over MQTT
const DefaultCommandTimeout = 10 * time.Second

type binding struct {
	rt      *entry.Runtime
	serials []string
	names   map[string]string
	sub     coordinator.Subscription
}

// Publisher is an entry platform publishing discovery configs and states
type Publisher struct {
	broker  mqtt.Broker
	topics  Topics
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	bindings map[string]*binding
	// serials of unloaded entries whose configs are still retained
	retired map[string][]string
	last    map[string]string
}

// NewPublisher creates a publisher on broker
func NewPublisher(broker mqtt.Broker, topics Topics, logger *zap.Logger) *Publisher {
	return &Publisher{
		broker:   broker,
		topics:   topics,
		logger:   logger.Named("discovery"),
		timeout:  DefaultCommandTimeout,
		bindings: make(map[string]*binding),
		retired:  make(map[string][]string),
		last:     make(map[string]string),
	}
}

// SetCommandTimeout overrides the per command timeout
func (p *Publisher) SetCommandTimeout(d time.Duration) {
	p.timeout = d
}

func (p *Publisher) Name() string {
	return "mqtt"
}

// Start subscribes to the command topics of every entity
func (p *Publisher) Start() error {
	if err := p.broker.Subscribe(p.topics.CommandFilter(), p.handleCommand); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	p.logger.Info("Listening for commands", zap.String("filter", p.topics.CommandFilter()))
	return nil
}

// Stop unsubscribes from command topics
func (p *Publisher) Stop() error {
	return p.broker.Unsubscribe(p.topics.CommandFilter())
}

// SetupEntry publishes the discovery configs of every appliance of the
// entry and follows its coordinator.
func (p *Publisher) SetupEntry(ctx context.Context, rt *entry.Runtime) error {
	appliances := rt.Coordinator.Appliances()

	b := &binding{
		rt:    rt,
		names: make(map[string]string, len(appliances)),
	}
	for _, a := range appliances {
		b.serials = append(b.serials, a.SerialNumber)
	}

	p.mu.Lock()
	p.bindings[rt.Entry.ID] = b
	delete(p.retired, rt.Entry.ID)
	var errs []error
	for _, a := range appliances {
		if err := p.publishConfigsLocked(b, a); err != nil {
			errs = append(errs, err)
		}
	}
	p.mu.Unlock()

	b.sub = rt.Coordinator.Subscribe(func(states map[string]coordinator.State) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.publishStatesLocked(b, states)
	})

	p.mu.Lock()
	p.publishStatesLocked(b, rt.Coordinator.Data())
	p.mu.Unlock()

	p.logger.Info("Published discovery configs",
		zap.String("entry_id", rt.Entry.ID),
		zap.Strings("serials", b.serials))

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// UnloadEntry stops following the entry and marks its entities offline
func (p *Publisher) UnloadEntry(ctx context.Context, rt *entry.Runtime) error {
	p.mu.Lock()
	b, ok := p.bindings[rt.Entry.ID]
	if ok {
		delete(p.bindings, rt.Entry.ID)
		p.retired[rt.Entry.ID] = b.serials
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, serial := range b.serials {
		for _, e := range entities.ForAppliance(sage.Appliance{SerialNumber: serial}) {
			topic := p.topics.Availability(e)
			if err := p.broker.Publish(topic, []byte(mqtt.PayloadOffline), true); err != nil && firstErr == nil {
				firstErr = err
			}
			delete(p.last, topic)
			delete(p.last, p.topics.State(e))
			delete(p.last, p.topics.Attributes(e))
		}
	}
	return firstErr
}

// RemoveEntry purges the appliances of a deleted entry
func (p *Publisher) RemoveEntry(ctx context.Context, e entry.Entry) error {
	p.mu.Lock()
	serials, ok := p.retired[e.ID]
	delete(p.retired, e.ID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.purge(serials...)
}

// purge removes the retained discovery configs and states of serials so
// Home Assistant forgets their entities.
func (p *Publisher) purge(serials ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, serial := range serials {
		for _, e := range entities.ForAppliance(sage.Appliance{SerialNumber: serial}) {
			topics := []string{
				p.topics.Config(e.Component, serial, e.Key),
				p.topics.State(e),
				p.topics.Availability(e),
			}
			if e.HasAttributes() {
				topics = append(topics, p.topics.Attributes(e))
			}
			for _, topic := range topics {
				if err := p.broker.Publish(topic, nil, true); err != nil && firstErr == nil {
					firstErr = err
				}
				delete(p.last, topic)
			}
		}
		p.logger.Info("Removed discovery configs", zap.String("serial", serial))
	}
	return firstErr
}

// Republish sends every config and state again. It runs after the broker
// connection is restored.
func (p *Publisher) Republish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = make(map[string]string)
	for _, b := range p.bindings {
		for _, a := range b.rt.Coordinator.Appliances() {
			if err := p.publishConfigsLocked(b, a); err != nil {
				p.logger.Warn("Failed to republish discovery config",
					zap.String("serial", a.SerialNumber),
					zap.Error(err))
			}
		}
		p.publishStatesLocked(b, b.rt.Coordinator.Data())
	}
}

func (p *Publisher) publishConfigsLocked(b *binding, a sage.Appliance) error {
	for _, e := range entities.ForAppliance(a) {
		payload, err := json.Marshal(BuildConfig(e, p.topics))
		if err != nil {
			return fmt.Errorf("marshal %s config: %w", e.UniqueID(), err)
		}
		if err := p.broker.Publish(p.topics.Config(e.Component, a.SerialNumber, e.Key), payload, true); err != nil {
			return fmt.Errorf("publish %s config: %w", e.UniqueID(), err)
		}
	}
	b.names[a.SerialNumber] = entities.DisplayName(a)
	return nil
}

func (p *Publisher) publishStatesLocked(b *binding, states map[string]coordinator.State) {
	for _, serial := range b.serials {
		a, ok := b.rt.Coordinator.Appliance(serial)
		if !ok {
			continue
		}

		if entities.DisplayName(a) != b.names[serial] {
			if err := p.publishConfigsLocked(b, a); err != nil {
				p.logger.Warn("Failed to update discovery config",
					zap.String("serial", serial),
					zap.Error(err))
			}
		}

		var st *coordinator.State
		if s, ok := states[serial]; ok {
			st = &s
		}

		for _, e := range entities.ForAppliance(a) {
			p.publishChanged(p.topics.Availability(e), FormatAvailability(e.Available(st)))
			p.publishChanged(p.topics.State(e), FormatValue(e.Value(st)))

			if attrs := e.Attributes(st); attrs != nil {
				payload, err := json.Marshal(attrs)
				if err != nil {
					p.logger.Warn("Failed to marshal attributes",
						zap.String("unique_id", e.UniqueID()),
						zap.Error(err))
					continue
				}
				p.publishChanged(p.topics.Attributes(e), string(payload))
			}
		}
	}
}

// publishChanged publishes a retained payload unless it was already sent
func (p *Publisher) publishChanged(topic, payload string) {
	if prev, ok := p.last[topic]; ok && prev == payload {
		return
	}
	if err := p.broker.Publish(topic, []byte(payload), true); err != nil {
		p.logger.Warn("Failed to publish state",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}
	p.last[topic] = payload
}

func (p *Publisher) handleCommand(topic string, payload []byte) error {
	serial, component, key, ok := p.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("%w: %s", mqtt.ErrInvalidTopic, topic)
	}

	desc, ok := entities.Lookup(component, key)
	if !ok {
		return fmt.Errorf("unknown entity %s/%s", component, key)
	}

	rt := p.runtimeFor(serial)
	if rt == nil {
		p.logger.Warn("Command for unknown appliance",
			zap.String("serial", serial),
			zap.String("topic", topic))
		return nil
	}

	a, ok := rt.Coordinator.Appliance(serial)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	e := entities.Entity{Description: desc, Appliance: a}
	p.logger.Debug("Applying command",
		zap.String("unique_id", e.UniqueID()),
		zap.String("payload", string(payload)))

	return e.Apply(ctx, rt.Dispatcher, string(payload))
}

func (p *Publisher) runtimeFor(serial string) *entry.Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bindings {
		if slices.Contains(b.serials, serial) {
			return b.rt
		}
	}
	return nil
}
