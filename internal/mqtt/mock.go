package mqtt

import (
	"strings"
	"sync"
)

// Message is a publish recorded by MockBroker
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// MockBroker implements Broker in memory for tests. Messages published to
// a subscribed topic are not looped back; use Deliver to simulate inbound
// messages.
type MockBroker struct {
	mu            sync.Mutex
	published     []Message
	retained      map[string]string
	subscriptions map[string]MessageHandler
	publishErr    error
}

// NewMockBroker creates an empty broker
func NewMockBroker() *MockBroker {
	return &MockBroker{
		retained:      make(map[string]string),
		subscriptions: make(map[string]MessageHandler),
	}
}

func (b *MockBroker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic == "" {
		return ErrInvalidTopic
	}
	if b.publishErr != nil {
		return b.publishErr
	}

	b.published = append(b.published, Message{Topic: topic, Payload: string(payload), Retained: retained})
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = string(payload)
		}
	}
	return nil
}

func (b *MockBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		return ErrInvalidTopic
	}
	b.subscriptions[topic] = handler
	return nil
}

func (b *MockBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, topic)
	return nil
}

// FailPublish makes every publish return err
func (b *MockBroker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Deliver sends payload to the handler whose filter matches topic
func (b *MockBroker) Deliver(topic string, payload string) error {
	b.mu.Lock()
	var handler MessageHandler
	for filter, h := range b.subscriptions {
		if Match(filter, topic) {
			handler = h
			break
		}
	}
	b.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler(topic, []byte(payload))
}

// Retained returns the retained payload of a topic
func (b *MockBroker) Retained(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.retained[topic]
	return payload, ok
}

// RetainedTopics returns all topics with a retained message under prefix
func (b *MockBroker) RetainedTopics(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var topics []string
	for topic := range b.retained {
		if strings.HasPrefix(topic, prefix) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Published returns a copy of all recorded publishes
func (b *MockBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// Subscribed reports whether a filter is subscribed
func (b *MockBroker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscriptions[filter]
	return ok
}
