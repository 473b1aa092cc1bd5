package sage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Call records a command issued against MockClient
type Call struct {
	Method string
	Serial string
	Args   []interface{}
	Time   time.Time
}

// MockClient implements Client in memory for tests
type MockClient struct {
	mu          sync.Mutex
	appliances  []Appliance
	lastStates  map[string]*DeviceState
	stateErrors map[string]error
	listErr     error
	tailErr     error
	commandErrs map[string]error
	calls       []Call
	closed      bool

	stream *MockStream
	// tailed is closed the first time TailState succeeds
	tailed     chan struct{}
	tailedOnce sync.Once
}

// NewMockClient creates a mock client for the given appliances
func NewMockClient(appliances ...Appliance) *MockClient {
	return &MockClient{
		appliances:  appliances,
		lastStates:  make(map[string]*DeviceState),
		stateErrors: make(map[string]error),
		commandErrs: make(map[string]error),
		stream:      NewMockStream(),
		tailed:      make(chan struct{}),
	}
}

// SetLastState sets the state returned by LastState for serial
func (m *MockClient) SetLastState(state *DeviceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStates[state.SerialNumber] = state
}

// FailLastState makes LastState fail for serial
func (m *MockClient) FailLastState(serial string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateErrors[serial] = err
}

// FailList makes ListAppliances fail
func (m *MockClient) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailTail makes TailState fail
func (m *MockClient) FailTail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tailErr = err
}

// FailCommand makes the named method (e.g. "SetBrightness") fail
func (m *MockClient) FailCommand(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandErrs[method] = err
}

// Stream returns the stream handed out by TailState
func (m *MockClient) Stream() *MockStream {
	return m.stream
}

// Tailed is closed once TailState has been called successfully
func (m *MockClient) Tailed() <-chan struct{} {
	return m.tailed
}

// Calls returns a copy of the recorded command calls
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Call, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Closed reports whether Close was called
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockClient) record(method, serial string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Serial: serial, Args: args, Time: time.Now()})
	return m.commandErrs[method]
}

func (m *MockClient) ListAppliances(ctx context.Context) ([]Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	appliances := make([]Appliance, len(m.appliances))
	copy(appliances, m.appliances)
	return appliances, nil
}

func (m *MockClient) LastState(ctx context.Context, serial string) (*DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.stateErrors[serial]; ok {
		return nil, err
	}
	state, ok := m.lastStates[serial]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (m *MockClient) TailState(ctx context.Context) (StateStream, error) {
	m.mu.Lock()
	err := m.tailErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.tailedOnce.Do(func() { close(m.tailed) })
	return m.stream, nil
}

func (m *MockClient) Wake(ctx context.Context, serial string) error {
	return m.record("Wake", serial)
}

func (m *MockClient) Sleep(ctx context.Context, serial string) error {
	return m.record("Sleep", serial)
}

func (m *MockClient) SetBrightness(ctx context.Context, serial string, value int) error {
	return m.record("SetBrightness", serial, value)
}

func (m *MockClient) SetWorkLightBrightness(ctx context.Context, serial string, value int) error {
	return m.record("SetWorkLightBrightness", serial, value)
}

func (m *MockClient) SetVolume(ctx context.Context, serial string, value int) error {
	return m.record("SetVolume", serial, value)
}

func (m *MockClient) SetColorTheme(ctx context.Context, serial string, theme string) error {
	return m.record("SetColorTheme", serial, theme)
}

func (m *MockClient) SetApplianceName(ctx context.Context, serial string, name string) error {
	return m.record("SetApplianceName", serial, name)
}

func (m *MockClient) SetWakeSchedule(ctx context.Context, schedule WakeSchedule) error {
	return m.record("SetWakeSchedule", schedule.Serial, schedule)
}

func (m *MockClient) DisableWakeSchedule(ctx context.Context, serial string) error {
	return m.record("DisableWakeSchedule", serial)
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.record("Close", "")
}

// MockStream is a StateStream driven by the test
type MockStream struct {
	events chan *DeviceState
	errs   chan error
}

// NewMockStream creates an empty stream
func NewMockStream() *MockStream {
	return &MockStream{
		events: make(chan *DeviceState),
		errs:   make(chan error, 1),
	}
}

// Push delivers one state update. It blocks until the consumer reads it.
func (s *MockStream) Push(ctx context.Context, state *DeviceState) error {
	select {
	case s.events <- state:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("push %s: %w", state.SerialNumber, ctx.Err())
	}
}

// Fail ends the stream with err
func (s *MockStream) Fail(err error) {
	s.errs <- err
}

// End ends the stream cleanly
func (s *MockStream) End() {
	s.errs <- io.EOF
}

func (s *MockStream) Next(ctx context.Context) (*DeviceState, error) {
	select {
	case st := <-s.events:
		return st, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MockStream) Close() error {
	return nil
}
