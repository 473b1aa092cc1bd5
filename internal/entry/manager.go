package entry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sagecoffee/internal/clock"
	"sagecoffee/internal/command"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/sage"

	"go.uber.org/zap"
)

var (
	// ErrAuthFailed means the entry needs new credentials
	ErrAuthFailed = errors.New("config entry authentication failed")
	// ErrNotReady means setup should be retried later
	ErrNotReady      = errors.New("config entry not ready")
	ErrAlreadyLoaded = errors.New("config entry already loaded")
	// ErrSetupInProgress is returned while another Setup of the entry runs
	ErrSetupInProgress = errors.New("config entry setup in progress")
	// ErrSetupCancelled means the entry was unloaded or removed while its
	// setup was running; the runtime built for it has been released
	ErrSetupCancelled = errors.New("config entry setup cancelled")
)

// State is the lifecycle state of an entry
type State string

const (
	StateNotLoaded  State = "not_loaded"
	StateSettingUp  State = "setting_up"
	StateLoaded     State = "loaded"
	StateSetupRetry State = "setup_retry"
	StateSetupError State = "setup_error"
)

// Runtime is what a loaded entry owns
type Runtime struct {
	Entry       Entry
	Client      sage.Client
	Coordinator *coordinator.Coordinator
	Dispatcher  *command.Dispatcher
}

// Platform is set up for every loaded entry and unloaded with it
type Platform interface {
	Name() string
	SetupEntry(ctx context.Context, rt *Runtime) error
	UnloadEntry(ctx context.Context, rt *Runtime) error
}

// Remover is implemented by platforms that keep something for an entry
// after it is unloaded. RemoveEntry runs once the entry is deleted.
type Remover interface {
	RemoveEntry(ctx context.Context, e Entry) error
}

// Status describes an entry for display
type Status struct {
	Entry      Entry    `json:"entry"`
	State      State    `json:"state"`
	Error      string   `json:"error,omitempty"`
	Appliances []string `json:"appliances,omitempty"`
}

type managedEntry struct {
	entry   Entry
	state   State
	runtime *Runtime
	err     error
	// attempt identifies the Setup that owns a setting_up entry
	attempt uint64
}

// Manager runs the lifecycle of config entries
type Manager struct {
	factory sage.Factory
	logger  *zap.Logger

	mu        sync.RWMutex
	entries   map[string]*managedEntry
	platforms []Platform
}

// NewManager creates a manager that builds clients with factory
func NewManager(factory sage.Factory, logger *zap.Logger) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger.Named("entry"),
		entries: make(map[string]*managedEntry),
	}
}

// AddPlatform registers a platform for entries set up afterwards
func (m *Manager) AddPlatform(p Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platforms = append(m.platforms, p)
}

// Setup connects an entry, discovers its appliances and starts its
// coordinator. The entry is tracked whatever the outcome so its state can
// be inspected and the setup retried. While it runs the entry is
// setting_up; an Unload or Remove in that window cancels it.
func (m *Manager) Setup(ctx context.Context, e Entry) error {
	m.mu.Lock()
	me, ok := m.entries[e.ID]
	if ok {
		switch me.state {
		case StateLoaded:
			m.mu.Unlock()
			return fmt.Errorf("%s: %w", e.ID, ErrAlreadyLoaded)
		case StateSettingUp:
			m.mu.Unlock()
			return fmt.Errorf("%s: %w", e.ID, ErrSetupInProgress)
		}
	} else {
		me = &managedEntry{}
		m.entries[e.ID] = me
	}
	me.entry = e
	me.state = StateSettingUp
	me.err = nil
	me.attempt++
	attempt := me.attempt
	platforms := append([]Platform(nil), m.platforms...)
	m.mu.Unlock()

	logger := m.logger.With(zap.String("entry_id", e.ID))

	rt, err := m.connect(ctx, e, logger)
	if err != nil {
		state := StateSetupRetry
		if errors.Is(err, ErrAuthFailed) {
			state = StateSetupError
		}
		m.finish(e.ID, me, attempt, state, nil, err)
		return err
	}

	rt.Coordinator.Start(ctx)

	for _, p := range platforms {
		if err := p.SetupEntry(ctx, rt); err != nil {
			logger.Error("Failed to set up platform",
				zap.String("platform", p.Name()),
				zap.Error(err))
		}
	}

	if owned, removed := m.finish(e.ID, me, attempt, StateLoaded, rt, nil); !owned {
		logger.Info("Config entry unloaded during setup, releasing runtime",
			zap.Bool("removed", removed))
		m.release(ctx, e, rt, platforms, removed, logger)
		return fmt.Errorf("%s: %w", e.ID, ErrSetupCancelled)
	}

	logger.Info("Config entry loaded",
		zap.String("title", e.Title),
		zap.Int("appliances", len(rt.Coordinator.Appliances())))
	return nil
}

func (m *Manager) connect(ctx context.Context, e Entry, logger *zap.Logger) (*Runtime, error) {
	if e.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token available", ErrAuthFailed)
	}

	client, err := m.factory(ctx, e.RefreshToken, e.Brand)
	if err != nil {
		logger.Error("Failed to connect to Sage Coffee API", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	appliances, err := client.ListAppliances(ctx)
	if err != nil {
		logger.Error("Failed to connect to Sage Coffee API", zap.Error(err))
		m.closeClient(client, logger)
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if len(appliances) == 0 {
		m.closeClient(client, logger)
		return nil, fmt.Errorf("%w: no appliances found", ErrNotReady)
	}

	logger.Debug("Found appliances", zap.Int("count", len(appliances)))

	coord := coordinator.New(client, appliances, logger)
	return &Runtime{
		Entry:       e,
		Client:      client,
		Coordinator: coord,
		Dispatcher:  command.NewDispatcher(coord, logger),
	}, nil
}

func (m *Manager) closeClient(client sage.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("Error closing client", zap.Error(err))
	}
}

// finish records the outcome of the Setup identified by attempt. It reports
// whether that Setup still owned the entry and, if not, whether the entry
// was removed meanwhile.
func (m *Manager) finish(id string, me *managedEntry, attempt uint64, state State, rt *Runtime, err error) (owned, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[id]; !ok || cur != me {
		return false, true
	}
	if me.attempt != attempt || me.state != StateSettingUp {
		return false, false
	}
	me.state = state
	me.runtime = rt
	me.err = err
	return true, false
}

// release stops a runtime, closes its client and unloads its platforms.
// rt may be nil for an entry that was not loaded. With removed set,
// platforms implementing Remover forget the entry too.
func (m *Manager) release(ctx context.Context, e Entry, rt *Runtime, platforms []Platform, removed bool, logger *zap.Logger) error {
	var errs []error
	if rt != nil {
		if err := rt.Coordinator.Stop(ctx); err != nil {
			logger.Warn("Coordinator did not stop in time", zap.Error(err))
		}

		m.closeClient(rt.Client, logger)

		for _, p := range platforms {
			if err := p.UnloadEntry(ctx, rt); err != nil {
				errs = append(errs, fmt.Errorf("unload %s: %w", p.Name(), err))
			}
		}
	}
	if removed {
		for _, p := range platforms {
			if r, ok := p.(Remover); ok {
				if err := r.RemoveEntry(ctx, e); err != nil {
					errs = append(errs, fmt.Errorf("remove %s: %w", p.Name(), err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Unload stops the coordinator of a loaded entry, closes its client and
// unloads its platforms. Unloading an entry that is not loaded only resets
// its state and cancels a running setup.
func (m *Manager) Unload(ctx context.Context, id string) error {
	return m.unload(ctx, id, false)
}

func (m *Manager) unload(ctx context.Context, id string, remove bool) error {
	m.mu.Lock()
	me, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	rt := me.runtime
	e := me.entry
	if remove {
		delete(m.entries, id)
	} else {
		me.runtime = nil
		me.state = StateNotLoaded
		me.err = nil
		// a Setup still running for the entry loses its claim
		me.attempt++
	}
	platforms := append([]Platform(nil), m.platforms...)
	m.mu.Unlock()

	if rt == nil && !remove {
		return nil
	}

	logger := m.logger.With(zap.String("entry_id", id))
	err := m.release(ctx, e, rt, platforms, remove, logger)
	logger.Info("Config entry unloaded", zap.Bool("removed", remove))
	return err
}

// Reload unloads and sets up an entry again. It is the way to restart a
// live update feed that has ended.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.RLock()
	me, ok := m.entries[id]
	var e Entry
	if ok {
		e = me.entry
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := m.Unload(ctx, id); err != nil {
		m.logger.Warn("Errors while unloading entry for reload",
			zap.String("entry_id", id),
			zap.Error(err))
	}
	return m.Setup(ctx, e)
}

// RetryNotReady sets up again every entry waiting in setup_retry and
// returns how many are loaded afterwards
func (m *Manager) RetryNotReady(ctx context.Context) int {
	var pending []Entry
	m.mu.RLock()
	for _, me := range m.entries {
		if me.state == StateSetupRetry {
			pending = append(pending, me.entry)
		}
	}
	m.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool { return entryLess(pending[i], pending[j]) })

	loaded := 0
	for _, e := range pending {
		if err := m.Setup(ctx, e); err != nil {
			m.logger.Debug("Config entry still not ready",
				zap.String("entry_id", e.ID),
				zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded
}

// RunRetries calls RetryNotReady every interval until ctx is done. Each
// round gets its own timeout.
func (m *Manager) RunRetries(ctx context.Context, clk clock.Clock, interval, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
		}

		roundCtx, cancel := context.WithTimeout(ctx, timeout)
		if n := m.RetryNotReady(roundCtx); n > 0 {
			m.logger.Info("Config entries loaded on retry", zap.Int("loaded", n))
		}
		cancel()
	}
}

// UpdateEntry replaces the tracked copy of an entry so the next Setup or
// Reload uses it. The config flow calls it after a re-authentication.
func (m *Manager) UpdateEntry(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if me, ok := m.entries[e.ID]; ok {
		me.entry = e
	}
}

// Remove unloads an entry and forgets it. Platforms implementing Remover
// drop what they kept for it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.unload(ctx, id, true)
}

// Shutdown unloads every entry
func (m *Manager) Shutdown(ctx context.Context) {
	for _, status := range m.Entries() {
		if err := m.Unload(ctx, status.Entry.ID); err != nil {
			m.logger.Warn("Error unloading entry",
				zap.String("entry_id", status.Entry.ID),
				zap.Error(err))
		}
	}
}

// State returns the lifecycle state of an entry
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if me, ok := m.entries[id]; ok {
		return me.state
	}
	return StateNotLoaded
}

// Runtime returns the runtime of a loaded entry
func (m *Manager) Runtime(id string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	me, ok := m.entries[id]
	if !ok || me.state != StateLoaded {
		return nil, false
	}
	return me.runtime, true
}

// LoadedEntries returns the runtimes of all loaded entries in creation order
func (m *Manager) LoadedEntries() []*Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Runtime, 0, len(m.entries))
	for _, me := range m.entries {
		if me.state == StateLoaded && me.runtime != nil {
			out = append(out, me.runtime)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return entryLess(out[i].Entry, out[j].Entry)
	})
	return out
}

// Entries returns the status of every tracked entry in creation order
func (m *Manager) Entries() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.entries))
	for _, me := range m.entries {
		status := Status{Entry: me.entry, State: me.state}
		if me.err != nil {
			status.Error = me.err.Error()
		}
		if me.runtime != nil {
			for _, a := range me.runtime.Coordinator.Appliances() {
				status.Appliances = append(status.Appliances, a.SerialNumber)
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		return entryLess(out[i].Entry, out[j].Entry)
	})
	return out
}

func entryLess(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
