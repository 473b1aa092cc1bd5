// Package testutil provides a mock device gateway and a test environment
// for exercising the bridge end to end without the cloud.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"sagecoffee/internal/sage"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (w *connWrapper) write(msg sage.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

// MockGateway simulates the device gateway WebSocket server
type MockGateway struct {
	server       *httptest.Server
	refreshToken string

	mu         sync.Mutex
	appliances []sage.Appliance
	states     map[string]*sage.DeviceState
	failures   map[string]*sage.Error
	calls      []CommandCall
	apps       []string

	connsMu     sync.Mutex
	connections []*connWrapper
}

// NewMockGateway creates a gateway accepting refreshToken
func NewMockGateway(refreshToken string, appliances ...sage.Appliance) *MockGateway {
	return &MockGateway{
		refreshToken: refreshToken,
		appliances:   appliances,
		states:       make(map[string]*sage.DeviceState),
		failures:     make(map[string]*sage.Error),
	}
}

// Start listens on a local port
func (g *MockGateway) Start() {
	g.server = httptest.NewServer(http.HandlerFunc(g.handleWebSocket))
}

// URL is the ws:// address of the gateway
func (g *MockGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

// Stop drops every connection and shuts the server down
func (g *MockGateway) Stop() {
	g.connsMu.Lock()
	for _, wrapper := range g.connections {
		wrapper.conn.Close()
	}
	g.connections = nil
	g.connsMu.Unlock()

	if g.server != nil {
		g.server.Close()
	}
}

// SetLastState stores the state returned by get_last_state without
// notifying subscribers
func (g *MockGateway) SetLastState(st sage.DeviceState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[st.SerialNumber] = &st
}

// PushState stores st and sends it to every subscribed connection
func (g *MockGateway) PushState(st sage.DeviceState) {
	g.SetLastState(st)

	g.connsMu.Lock()
	targets := make([]*connWrapper, 0, len(g.connections))
	for _, wrapper := range g.connections {
		if wrapper.subscribed {
			targets = append(targets, wrapper)
		}
	}
	g.connsMu.Unlock()

	for _, wrapper := range targets {
		_ = wrapper.write(sage.Message{Type: "state", State: &st})
	}
}

// Subscribers returns the number of connections tailing state
func (g *MockGateway) Subscribers() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	n := 0
	for _, wrapper := range g.connections {
		if wrapper.subscribed {
			n++
		}
	}
	return n
}

// FailCommand makes every later call of command fail with code
func (g *MockGateway) FailCommand(command, code, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[command] = &sage.Error{Code: code, Message: message}
}

// Calls returns a copy of the commands received so far
func (g *MockGateway) Calls() []CommandCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]CommandCall(nil), g.calls...)
}

// ClearCalls forgets the recorded commands
func (g *MockGateway) ClearCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}

// Apps returns the app names clients authenticated with
func (g *MockGateway) Apps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.apps...)
}

func (g *MockGateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(sage.Message{Type: "auth_required"}); err != nil {
		return
	}
	var auth sage.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != "auth" || auth.RefreshToken != g.refreshToken {
		_ = conn.WriteJSON(sage.Message{Type: "auth_invalid"})
		return
	}
	if err := conn.WriteJSON(sage.Message{Type: "auth_ok"}); err != nil {
		return
	}

	g.mu.Lock()
	g.apps = append(g.apps, auth.App)
	g.mu.Unlock()

	wrapper := &connWrapper{conn: conn}
	g.connsMu.Lock()
	g.connections = append(g.connections, wrapper)
	g.connsMu.Unlock()
	defer g.removeConn(wrapper)

	for {
		var req sage.CommandRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "subscribe_state":
			g.connsMu.Lock()
			wrapper.subscribed = true
			g.connsMu.Unlock()
			_ = wrapper.write(success(req.ID, nil))
		case "command":
			_ = wrapper.write(g.handleCommand(req))
		default:
			_ = wrapper.write(failure(req.ID, "unknown_type", "unknown message type "+req.Type))
		}
	}
}

func (g *MockGateway) handleCommand(req sage.CommandRequest) sage.Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, CommandCall{
		Timestamp: time.Now(),
		Command:   req.Command,
		Serial:    req.Serial,
		Args:      req.Args,
	})

	if e, ok := g.failures[req.Command]; ok {
		return failure(req.ID, e.Code, e.Message)
	}

	switch req.Command {
	case "list_appliances":
		return success(req.ID, g.appliances)
	case "get_last_state":
		if st, ok := g.states[req.Serial]; ok {
			return success(req.ID, st)
		}
		return success(req.ID, nil)
	case "set_appliance_name":
		name, _ := req.Args["name"].(string)
		for i := range g.appliances {
			if g.appliances[i].SerialNumber == req.Serial {
				g.appliances[i].Name = name
			}
		}
	}
	return success(req.ID, nil)
}

func (g *MockGateway) removeConn(wrapper *connWrapper) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for i, w := range g.connections {
		if w == wrapper {
			g.connections = append(g.connections[:i], g.connections[i+1:]...)
			return
		}
	}
}

func success(id int, result interface{}) sage.Message {
	ok := true
	msg := sage.Message{ID: id, Type: "result", Success: &ok}
	if result != nil {
		raw, err := json.Marshal(result)
		if err == nil {
			msg.Result = raw
		}
	}
	return msg
}

func failure(id int, code, message string) sage.Message {
	ok := false
	return sage.Message{
		ID:      id,
		Type:    "result",
		Success: &ok,
		Error:   &sage.Error{Code: code, Message: message},
	}
}
