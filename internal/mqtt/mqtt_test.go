package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildClientOptions(t *testing.T) {
	cfg := Config{
		Host:        "broker.local",
		Port:        1883,
		Username:    "user",
		Password:    "pass",
		ClientID:    "sagecoffee-test",
		StatusTopic: "sagecoffee/bridge/status",
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.StatusTopic)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())
	assert.Equal(t, "sagecoffee-test", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.Order, "handlers must run off the router goroutine")

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "sagecoffee/bridge/status", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
}

func TestBuildClientOptions_TLS(t *testing.T) {
	opts := buildClientOptions(Config{Host: "broker", Port: 8883, TLS: true})

	assert.Equal(t, "ssl://broker:8883", opts.Servers[0].String())
	require.NotNil(t, opts.TLSConfig)
	assert.Empty(t, opts.Username)

	configureLWT(opts, "")
	assert.False(t, opts.WillEnabled)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sagecoffee/+/+/+/set", "sagecoffee/XYZ/number/volume/set", true},
		{"sagecoffee/+/+/+/set", "sagecoffee/XYZ/number/volume/state", false},
		{"sagecoffee/#", "sagecoffee/XYZ/switch/power/set", true},
		{"sagecoffee/XYZ/#", "sagecoffee/ABC/switch/power/set", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic))
		})
	}
}

func TestMockBroker(t *testing.T) {
	b := NewMockBroker()

	require.NoError(t, b.Publish("a/config", []byte("{}"), true))
	payload, ok := b.Retained("a/config")
	require.True(t, ok)
	assert.Equal(t, "{}", payload)

	require.NoError(t, b.Publish("a/config", nil, true))
	_, ok = b.Retained("a/config")
	assert.False(t, ok)

	var got string
	require.NoError(t, b.Subscribe("a/+/set", func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	}))
	require.NoError(t, b.Deliver("a/x/set", "ON"))
	assert.Equal(t, "a/x/set=ON", got)

	boom := errors.New("boom")
	b.FailPublish(boom)
	assert.ErrorIs(t, b.Publish("a", nil, false), boom)
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := &Client{logger: zap.NewNop()}

	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		panic("handler exploded")
	})

	assert.NotPanics(t, func() {
		wrapped(nil, fakeMessage{topic: "t", payload: []byte("p")})
	})
}

// fakeMessage implements paho's Message interface
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
