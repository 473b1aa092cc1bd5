package sage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	streamBufferSize      = 256
)

// GatewayClient implements Client over a WebSocket connection to a device
// gateway that runs the vendor client out of process.
type GatewayClient struct {
	url          string
	refreshToken string
	app          string
	logger       *zap.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	streams   map[int]*gatewayStream
	streamsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGatewayClient creates a client for the gateway at url
func NewGatewayClient(url, refreshToken, app string, logger *zap.Logger) *GatewayClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayClient{
		url:          url,
		refreshToken: refreshToken,
		app:          app,
		logger:       logger.Named("gateway"),
		pending:      make(map[int]chan Message),
		streams:      make(map[int]*gatewayStream),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// GatewayFactory returns a Factory that dials the gateway at url
func GatewayFactory(url string, logger *zap.Logger) Factory {
	return func(ctx context.Context, refreshToken, app string) (Client, error) {
		c := NewGatewayClient(url, refreshToken, app, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Connect dials the gateway and performs the authentication handshake
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}
	// Clients are single use; a closed client cannot reconnect.
	if c.ctx.Err() != nil {
		return ErrNotConnected
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.connected = true
	c.logger.Info("Connected to device gateway", zap.String("url", c.url))

	go c.receiveMessages(conn)
	return nil
}

func (c *GatewayClient) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", RefreshToken: c.refreshToken, App: c.app}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Close disconnects from the gateway and ends all open streams
func (c *GatewayClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.cancel()
	c.connected = false

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()

	c.failStreams(io.EOF)
	c.logger.Info("Disconnected from device gateway")
	return err
}

// IsConnected returns true if the gateway connection is up
func (c *GatewayClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *GatewayClient) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// request sends a command and waits for its result
func (c *GatewayClient) request(ctx context.Context, req CommandRequest) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.Command, err)
	}

	timer := time.NewTimer(defaultRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("gateway error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", req.Command)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s", req.Command)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *GatewayClient) command(ctx context.Context, command, serial string, args map[string]interface{}) (*Message, error) {
	return c.request(ctx, CommandRequest{
		ID:      c.nextMsgID(),
		Type:    "command",
		Command: command,
		Serial:  serial,
		Args:    args,
	})
}

// receiveMessages routes results to waiting requests and state events to streams
func (c *GatewayClient) receiveMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(err)
			return
		}

		if msg.Type == "state" {
			c.dispatchState(msg.State)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *GatewayClient) dispatchState(state *DeviceState) {
	if state == nil {
		return
	}
	if state.ReceivedAt.IsZero() {
		state.ReceivedAt = time.Now()
	}

	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()

	for _, s := range c.streams {
		copied := *state
		select {
		case s.events <- &copied:
		default:
			c.logger.Warn("State stream buffer full, dropping update",
				zap.String("serial", state.SerialNumber))
		}
	}
}

// handleDisconnect releases the socket after the read loop failed. The
// client stays unusable; a new one has to be built to reconnect.
func (c *GatewayClient) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.logger.Warn("Connection to device gateway lost")
	c.failStreams(fmt.Errorf("connection lost: %w", err))
}

func (c *GatewayClient) failStreams(err error) {
	c.streamsMu.Lock()
	streams := c.streams
	c.streams = make(map[int]*gatewayStream)
	c.streamsMu.Unlock()

	for _, s := range streams {
		s.fail(err)
	}
}

// ListAppliances returns every appliance on the account
func (c *GatewayClient) ListAppliances(ctx context.Context) ([]Appliance, error) {
	resp, err := c.command(ctx, "list_appliances", "", nil)
	if err != nil {
		return nil, err
	}

	var appliances []Appliance
	if err := json.Unmarshal(resp.Result, &appliances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal appliances: %w", err)
	}
	return appliances, nil
}

// LastState returns the last reported state for serial
func (c *GatewayClient) LastState(ctx context.Context, serial string) (*DeviceState, error) {
	resp, err := c.command(ctx, "get_last_state", serial, nil)
	if err != nil {
		return nil, err
	}

	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, nil
	}

	var state DeviceState
	if err := json.Unmarshal(resp.Result, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.SerialNumber == "" {
		state.SerialNumber = serial
	}
	return &state, nil
}

// TailState subscribes to live state updates
func (c *GatewayClient) TailState(ctx context.Context) (StateStream, error) {
	id := c.nextMsgID()
	s := &gatewayStream{
		client: c,
		id:     id,
		events: make(chan *DeviceState, streamBufferSize),
		done:   make(chan struct{}),
	}

	// Register before subscribing so no event is missed between the ack and
	// the first Next call.
	c.streamsMu.Lock()
	c.streams[id] = s
	c.streamsMu.Unlock()

	if _, err := c.request(ctx, CommandRequest{ID: id, Type: "subscribe_state"}); err != nil {
		c.removeStream(id)
		return nil, fmt.Errorf("failed to subscribe to state: %w", err)
	}
	return s, nil
}

func (c *GatewayClient) removeStream(id int) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

// Wake brings the machine out of sleep
func (c *GatewayClient) Wake(ctx context.Context, serial string) error {
	_, err := c.command(ctx, "wake", serial, nil)
	return err
}

// Sleep puts the machine to sleep
func (c *GatewayClient) Sleep(ctx context.Context, serial string) error {
	_, err := c.command(ctx, "sleep", serial, nil)
	return err
}

// SetBrightness sets the display brightness in percent
func (c *GatewayClient) SetBrightness(ctx context.Context, serial string, value int) error {
	_, err := c.command(ctx, "set_brightness", serial, map[string]interface{}{"value": value})
	return err
}

// SetWorkLightBrightness sets the cup work light brightness in percent
func (c *GatewayClient) SetWorkLightBrightness(ctx context.Context, serial string, value int) error {
	_, err := c.command(ctx, "set_work_light_brightness", serial, map[string]interface{}{"value": value})
	return err
}

// SetVolume sets the speaker volume in percent
func (c *GatewayClient) SetVolume(ctx context.Context, serial string, value int) error {
	_, err := c.command(ctx, "set_volume", serial, map[string]interface{}{"value": value})
	return err
}

// SetColorTheme sets the display theme
func (c *GatewayClient) SetColorTheme(ctx context.Context, serial string, theme string) error {
	_, err := c.command(ctx, "set_color_theme", serial, map[string]interface{}{"theme": theme})
	return err
}

// SetApplianceName renames the appliance in the cloud
func (c *GatewayClient) SetApplianceName(ctx context.Context, serial string, name string) error {
	_, err := c.command(ctx, "set_appliance_name", serial, map[string]interface{}{"name": name})
	return err
}

// SetWakeSchedule configures the wake schedule
func (c *GatewayClient) SetWakeSchedule(ctx context.Context, schedule WakeSchedule) error {
	args := map[string]interface{}{
		"hours":   schedule.Hours,
		"minutes": schedule.Minutes,
		"enabled": schedule.Enabled,
	}
	if schedule.Days != "" {
		args["days"] = schedule.Days
	}
	_, err := c.command(ctx, "set_wake_schedule", schedule.Serial, args)
	return err
}

// DisableWakeSchedule removes the wake schedule
func (c *GatewayClient) DisableWakeSchedule(ctx context.Context, serial string) error {
	_, err := c.command(ctx, "disable_wake_schedule", serial, nil)
	return err
}

// gatewayStream is a StateStream fed by the receive loop
type gatewayStream struct {
	client *GatewayClient
	id     int
	events chan *DeviceState

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (s *gatewayStream) Next(ctx context.Context) (*DeviceState, error) {
	// Drain buffered events before reporting a failure
	select {
	case st := <-s.events:
		return st, nil
	default:
	}

	select {
	case st := <-s.events:
		return st, nil
	case <-s.done:
		return nil, s.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatewayStream) Close() error {
	s.client.removeStream(s.id)
	s.fail(io.EOF)
	return nil
}

func (s *gatewayStream) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *gatewayStream) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return errors.New("stream closed")
	}
	return s.err
}
