package entry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sagecoffee/internal/clock"
	"sagecoffee/internal/sage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingPlatform remembers which entries it was set up for
type recordingPlatform struct {
	mu       sync.Mutex
	setup    []string
	unloaded []string
	removed  []string
	failWith error
}

func (p *recordingPlatform) Name() string { return "recording" }

func (p *recordingPlatform) SetupEntry(ctx context.Context, rt *Runtime) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setup = append(p.setup, rt.Entry.ID)
	return p.failWith
}

func (p *recordingPlatform) UnloadEntry(ctx context.Context, rt *Runtime) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloaded = append(p.unloaded, rt.Entry.ID)
	return nil
}

func (p *recordingPlatform) RemoveEntry(ctx context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, e.ID)
	return nil
}

func (p *recordingPlatform) snapshot() (setup, unloaded, removed []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.setup...),
		append([]string(nil), p.unloaded...),
		append([]string(nil), p.removed...)
}

// gatedFactory hands out a new client per call and blocks every call until
// the test releases it
type gatedFactory struct {
	mu      sync.Mutex
	clients []*sage.MockClient
	started chan struct{}
	release chan struct{}
}

func newGatedFactory() *gatedFactory {
	return &gatedFactory{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (f *gatedFactory) build(ctx context.Context, refreshToken, app string) (sage.Client, error) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	f.mu.Lock()
	f.clients = append(f.clients, client)
	f.mu.Unlock()

	f.started <- struct{}{}
	select {
	case <-f.release:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFactory) built() []*sage.MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sage.MockClient(nil), f.clients...)
}

func waitStarted(t *testing.T, f *gatedFactory) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("setup never reached the factory")
	}
}

func mockFactory(clients map[string]*sage.MockClient, factoryErr error) sage.Factory {
	return func(ctx context.Context, refreshToken, app string) (sage.Client, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		client, ok := clients[refreshToken]
		if !ok {
			return nil, errors.New("unknown token")
		}
		return client, nil
	}
}

func stopCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManager_SetupAndUnload(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	client.SetLastState(&sage.DeviceState{SerialNumber: "XYZ123", ReportedState: "ready"})

	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())
	platform := &recordingPlatform{}
	m.AddPlatform(platform)

	e := Entry{ID: "e1", Title: "Sage Coffee", RefreshToken: "rt", Brand: BrandSage}
	require.NoError(t, m.Setup(context.Background(), e))

	assert.Equal(t, StateLoaded, m.State("e1"))
	assert.Equal(t, []string{"e1"}, platform.setup)

	rt, ok := m.Runtime("e1")
	require.True(t, ok)
	st, ok := rt.Coordinator.GetState("XYZ123")
	require.True(t, ok)
	assert.Equal(t, "ready", st.ReportedState)

	loaded := m.LoadedEntries()
	require.Len(t, loaded, 1)
	assert.Equal(t, rt, loaded[0])

	assert.ErrorIs(t, m.Setup(context.Background(), e), ErrAlreadyLoaded)

	require.NoError(t, m.Unload(stopCtx(t), "e1"))
	assert.Equal(t, StateNotLoaded, m.State("e1"))
	assert.True(t, client.Closed())
	assert.Equal(t, []string{"e1"}, platform.unloaded)
	assert.Empty(t, rt.Coordinator.Appliances())
	assert.Empty(t, m.LoadedEntries())
}

func TestManager_SetupMissingToken(t *testing.T) {
	m := NewManager(mockFactory(nil, nil), zap.NewNop())

	err := m.Setup(context.Background(), Entry{ID: "e1"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, StateSetupError, m.State("e1"))

	statuses := m.Entries()
	require.Len(t, statuses, 1)
	assert.Contains(t, statuses[0].Error, "no refresh token")
}

func TestManager_SetupNotReady(t *testing.T) {
	t.Run("client creation fails", func(t *testing.T) {
		m := NewManager(mockFactory(nil, errors.New("dial failed")), zap.NewNop())

		err := m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"})
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, StateSetupRetry, m.State("e1"))
	})

	t.Run("listing fails", func(t *testing.T) {
		client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
		client.FailList(errors.New("unauthorized"))
		m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())

		err := m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"})
		assert.ErrorIs(t, err, ErrNotReady)
		assert.True(t, client.Closed())
	})

	t.Run("no appliances", func(t *testing.T) {
		client := sage.NewMockClient()
		m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())

		err := m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"})
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Contains(t, err.Error(), "no appliances found")
		assert.Equal(t, StateSetupRetry, m.State("e1"))
		assert.Empty(t, m.LoadedEntries())
	})
}

func TestManager_PlatformFailureDoesNotAbortSetup(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())
	m.AddPlatform(&recordingPlatform{failWith: errors.New("broker down")})

	require.NoError(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}))
	assert.Equal(t, StateLoaded, m.State("e1"))

	require.NoError(t, m.Unload(stopCtx(t), "e1"))
}

func TestManager_Reload(t *testing.T) {
	first := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": first}, nil), zap.NewNop())

	require.NoError(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}))
	before, _ := m.Runtime("e1")

	require.NoError(t, m.Reload(stopCtx(t), "e1"))
	after, ok := m.Runtime("e1")
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, StateLoaded, m.State("e1"))

	assert.ErrorIs(t, m.Reload(context.Background(), "missing"), ErrNotFound)

	m.Shutdown(stopCtx(t))
	assert.Equal(t, StateNotLoaded, m.State("e1"))
}

func TestManager_Remove(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())

	require.NoError(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}))
	require.NoError(t, m.Remove(stopCtx(t), "e1"))

	assert.Empty(t, m.Entries())
	assert.ErrorIs(t, m.Remove(context.Background(), "e1"), ErrNotFound)
	assert.ErrorIs(t, m.Unload(context.Background(), "e1"), ErrNotFound)
}

func TestManager_EntriesOrder(t *testing.T) {
	m := NewManager(mockFactory(nil, nil), zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Setup(context.Background(), Entry{ID: "b", CreatedAt: base.Add(time.Hour)})
	m.Setup(context.Background(), Entry{ID: "a", CreatedAt: base})

	statuses := m.Entries()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Entry.ID)
	assert.Equal(t, "b", statuses[1].Entry.ID)
}

func TestManager_RetryNotReady(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	client.FailList(errors.New("gateway down"))
	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())

	assert.ErrorIs(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}), ErrNotReady)
	assert.ErrorIs(t, m.Setup(context.Background(), Entry{ID: "e2"}), ErrAuthFailed)

	assert.Equal(t, 0, m.RetryNotReady(context.Background()))
	assert.Equal(t, StateSetupRetry, m.State("e1"))

	client.FailList(nil)
	assert.Equal(t, 1, m.RetryNotReady(context.Background()))
	assert.Equal(t, StateLoaded, m.State("e1"))
	assert.Equal(t, StateSetupError, m.State("e2"))

	m.Shutdown(stopCtx(t))
}

func TestManager_RunRetries(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	client.FailList(errors.New("gateway down"))
	m := NewManager(mockFactory(map[string]*sage.MockClient{"rt": client}, nil), zap.NewNop())
	require.ErrorIs(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}), ErrNotReady)

	clk := clock.NewMock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RunRetries(ctx, clk, time.Minute, time.Second)
	}()

	// First round: still failing.
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSetupRetry, m.State("e1"))

	client.FailList(nil)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return m.State("e1") == StateLoaded }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop")
	}
	m.Shutdown(stopCtx(t))
}

func TestManager_RemoveDuringSetup(t *testing.T) {
	factory := newGatedFactory()
	m := NewManager(factory.build, zap.NewNop())
	platform := &recordingPlatform{}
	m.AddPlatform(platform)

	setupErr := make(chan error, 1)
	go func() {
		setupErr <- m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"})
	}()
	waitStarted(t, factory)
	assert.Equal(t, StateSettingUp, m.State("e1"))

	require.NoError(t, m.Remove(stopCtx(t), "e1"))
	assert.Empty(t, m.Entries())

	close(factory.release)
	select {
	case err := <-setupErr:
		assert.ErrorIs(t, err, ErrSetupCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("setup did not return")
	}

	clients := factory.built()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].Closed())

	setup, unloaded, removed := platform.snapshot()
	assert.Equal(t, []string{"e1"}, setup)
	assert.Equal(t, []string{"e1"}, unloaded)
	assert.Contains(t, removed, "e1")

	assert.Empty(t, m.Entries())
	assert.Empty(t, m.LoadedEntries())
}

func TestManager_UnloadDuringSetup(t *testing.T) {
	factory := newGatedFactory()
	m := NewManager(factory.build, zap.NewNop())
	platform := &recordingPlatform{}
	m.AddPlatform(platform)

	setupErr := make(chan error, 1)
	go func() {
		setupErr <- m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"})
	}()
	waitStarted(t, factory)

	require.NoError(t, m.Unload(stopCtx(t), "e1"))
	close(factory.release)
	assert.ErrorIs(t, <-setupErr, ErrSetupCancelled)

	assert.Equal(t, StateNotLoaded, m.State("e1"))
	assert.True(t, factory.built()[0].Closed())
	_, unloaded, removed := platform.snapshot()
	assert.Equal(t, []string{"e1"}, unloaded)
	assert.Empty(t, removed)
}

func TestManager_ConcurrentSetup(t *testing.T) {
	factory := newGatedFactory()
	m := NewManager(factory.build, zap.NewNop())
	e := Entry{ID: "e1", RefreshToken: "rt"}

	setupErr := make(chan error, 1)
	go func() {
		setupErr <- m.Setup(context.Background(), e)
	}()
	waitStarted(t, factory)

	assert.ErrorIs(t, m.Setup(context.Background(), e), ErrSetupInProgress)

	close(factory.release)
	require.NoError(t, <-setupErr)
	assert.Equal(t, StateLoaded, m.State("e1"))

	clients := factory.built()
	require.Len(t, clients, 1)

	require.NoError(t, m.Unload(stopCtx(t), "e1"))
	assert.True(t, clients[0].Closed())
}

func TestManager_ReloadSupersedesRunningSetup(t *testing.T) {
	factory := newGatedFactory()
	m := NewManager(factory.build, zap.NewNop())
	e := Entry{ID: "e1", RefreshToken: "rt"}

	first := make(chan error, 1)
	go func() {
		first <- m.Setup(context.Background(), e)
	}()
	waitStarted(t, factory)

	second := make(chan error, 1)
	go func() {
		second <- m.Reload(stopCtx(t), "e1")
	}()
	waitStarted(t, factory)

	close(factory.release)
	errs := []error{<-first, <-second}

	// exactly one setup owns the entry; the other released its client
	cancelled := 0
	for _, err := range errs {
		if errors.Is(err, ErrSetupCancelled) {
			cancelled++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, StateLoaded, m.State("e1"))

	require.NoError(t, m.Unload(stopCtx(t), "e1"))
	for _, client := range factory.built() {
		assert.True(t, client.Closed())
	}
}

func TestManager_RemoveNotLoadedNotifiesRemovers(t *testing.T) {
	m := NewManager(mockFactory(nil, errors.New("dial failed")), zap.NewNop())
	platform := &recordingPlatform{}
	m.AddPlatform(platform)

	require.ErrorIs(t, m.Setup(context.Background(), Entry{ID: "e1", RefreshToken: "rt"}), ErrNotReady)
	require.NoError(t, m.Remove(stopCtx(t), "e1"))

	_, unloaded, removed := platform.snapshot()
	assert.Empty(t, unloaded)
	assert.Equal(t, []string{"e1"}, removed)
}

func TestManager_UpdateEntry(t *testing.T) {
	old := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	rotated := sage.NewMockClient(sage.Appliance{SerialNumber: "XYZ123"})
	m := NewManager(mockFactory(map[string]*sage.MockClient{"old": old, "new": rotated}, nil), zap.NewNop())

	e := Entry{ID: "e1", RefreshToken: "old"}
	require.NoError(t, m.Setup(context.Background(), e))

	e.RefreshToken = "new"
	m.UpdateEntry(e)
	m.UpdateEntry(Entry{ID: "untracked", RefreshToken: "x"})
	assert.Len(t, m.Entries(), 1)

	require.NoError(t, m.Reload(stopCtx(t), "e1"))
	rt, ok := m.Runtime("e1")
	require.True(t, ok)
	assert.Same(t, rotated, rt.Client)
	assert.True(t, old.Closed())

	m.Shutdown(stopCtx(t))
}
