// Package coordinator keeps the last known state of every appliance of one
// account and republishes the full cache to subscribers whenever it changes.
//
// State arrives from two places: a one-shot seed when the coordinator starts
// and a live feed consumed by a single background goroutine. Commands that
// succeed may also write their result ahead of the feed (see Update); the next
// live event for that appliance replaces the whole snapshot again.
package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"

	"sagecoffee/internal/sage"

	"go.uber.org/zap"
)

// Handler receives the full cache after every change. The map is a copy
// owned by the caller of all handlers; handlers must treat it as read-only
// and must not call back into Update or RenameAppliance synchronously.
type Handler func(states map[string]State)

// Subscription represents an active cache subscription
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	id      int
	handler Handler
}

type subscription struct {
	id          int
	coordinator *Coordinator
}

func (s *subscription) Unsubscribe() {
	s.coordinator.unsubscribe(s.id)
}

// Coordinator is the per-account appliance state cache
type Coordinator struct {
	client sage.Client
	logger *zap.Logger

	mu         sync.RWMutex
	appliances []sage.Appliance
	states     map[string]State

	subsMu      sync.RWMutex
	subscribers []subscriberEntry
	nextSubID   int

	// publishMu keeps deliveries ordered so no subscriber sees an older
	// snapshot after a newer one.
	publishMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty cache for the given appliances
func New(client sage.Client, appliances []sage.Appliance, logger *zap.Logger) *Coordinator {
	owned := make([]sage.Appliance, len(appliances))
	copy(owned, appliances)

	return &Coordinator{
		client:     client,
		logger:     logger.Named("coordinator"),
		appliances: owned,
		states:     make(map[string]State),
	}
}

// Client returns the upstream client commands are issued through
func (c *Coordinator) Client() sage.Client {
	return c.client
}

// Start seeds the cache with the last known state of every appliance and
// launches the live update loop unless one is already running. A failed
// seed is logged and skipped; it never aborts startup.
func (c *Coordinator) Start(ctx context.Context) {
	seeded := 0
	for _, appliance := range c.Appliances() {
		serial := appliance.SerialNumber

		ds, err := c.client.LastState(ctx, serial)
		if err != nil {
			c.logger.Warn("Failed to get initial state",
				zap.String("serial", serial),
				zap.Error(err))
			continue
		}
		if ds == nil {
			c.logger.Debug("No initial state reported", zap.String("serial", serial))
			continue
		}

		st := FromDevice(ds)
		c.mu.Lock()
		c.states[serial] = st
		c.mu.Unlock()
		seeded++

		c.logger.Debug("Got initial state",
			zap.String("serial", serial),
			zap.String("reported_state", st.ReportedState))
	}

	c.mu.RLock()
	cached := len(c.states)
	c.mu.RUnlock()

	c.logger.Info("Initial state sync complete",
		zap.Int("seeded", seeded),
		zap.Int("appliances", len(c.Appliances())))

	if cached > 0 {
		c.publish()
	}

	c.ensureLoop()
}

// ensureLoop launches the live update loop if none is running
func (c *Coordinator) ensureLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
			// previous loop has terminated
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go c.liveUpdateLoop(ctx, done)
}

// Running reports whether the live update loop is active
func (c *Coordinator) Running() bool {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// liveUpdateLoop consumes the upstream feed until it is cancelled or fails.
// It does not restart itself; a fresh Start does.
func (c *Coordinator) liveUpdateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.logger.Debug("Starting live update loop")

	stream, err := c.client.TailState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("Live update loop cancelled")
			return
		}
		c.logger.Error("Failed to subscribe to state updates", zap.Error(err))
		return
	}
	defer stream.Close()

	for {
		ds, err := stream.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.logger.Debug("Live update loop cancelled")
			case errors.Is(err, io.EOF):
				c.logger.Info("State update feed ended")
			default:
				c.logger.Error("State update feed failed", zap.Error(err))
			}
			return
		}

		// A cancelled loop must not write into a cache that is being cleared
		if ctx.Err() != nil {
			c.logger.Debug("Live update loop cancelled")
			return
		}

		c.logger.Debug("Received state update",
			zap.String("serial", ds.SerialNumber),
			zap.String("reported_state", ds.ReportedState))

		if c.store(ds) {
			c.publish()
		}
	}
}

// store replaces the snapshot of a known appliance
func (c *Coordinator) store(ds *sage.DeviceState) bool {
	st := FromDevice(ds)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasApplianceLocked(ds.SerialNumber) {
		c.logger.Warn("Dropping state update for unknown appliance",
			zap.String("serial", ds.SerialNumber))
		return false
	}
	c.states[ds.SerialNumber] = st
	return true
}

// Stop cancels the live update loop, waits for it to exit and then clears
// the cache and the appliance list. If ctx expires first the cache is left
// untouched and ctx's error is returned; the loop stays registered until it
// has exited so no second one is launched next to it.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.loopMu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.loopMu.Unlock()
	}

	c.mu.Lock()
	c.states = make(map[string]State)
	c.appliances = nil
	c.mu.Unlock()

	c.logger.Debug("Coordinator stopped")
	return nil
}

// GetState returns the cached snapshot for serial. The second result is
// false when nothing is known about the appliance.
func (c *Coordinator) GetState(serial string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.states[serial]
	if !ok {
		return State{}, false
	}
	return st.Clone(), true
}

// Data returns a copy of the full cache
func (c *Coordinator) Data() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]State, len(c.states))
	for serial, st := range c.states {
		out[serial] = st.Clone()
	}
	return out
}

// Update applies an optimistic local write to a cached snapshot and
// notifies subscribers. It returns false, without notifying, when the
// appliance has no snapshot yet.
func (c *Coordinator) Update(serial string, mutate func(*State)) bool {
	c.mu.Lock()
	st, ok := c.states[serial]
	if !ok {
		c.mu.Unlock()
		return false
	}
	next := st.Clone()
	mutate(&next)
	c.states[serial] = next
	c.mu.Unlock()

	c.publish()
	return true
}

// Appliances returns a copy of the appliance list
func (c *Coordinator) Appliances() []sage.Appliance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]sage.Appliance, len(c.appliances))
	copy(out, c.appliances)
	return out
}

// Appliance returns the appliance with the given serial
func (c *Coordinator) Appliance(serial string) (sage.Appliance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, a := range c.appliances {
		if a.SerialNumber == serial {
			return a, true
		}
	}
	return sage.Appliance{}, false
}

// HasAppliance reports whether serial belongs to this account
func (c *Coordinator) HasAppliance(serial string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasApplianceLocked(serial)
}

func (c *Coordinator) hasApplianceLocked(serial string) bool {
	for _, a := range c.appliances {
		if a.SerialNumber == serial {
			return true
		}
	}
	return false
}

// RenameAppliance updates the local display name and notifies subscribers
func (c *Coordinator) RenameAppliance(serial, name string) bool {
	c.mu.Lock()
	found := false
	for i := range c.appliances {
		if c.appliances[i].SerialNumber == serial {
			c.appliances[i].Name = name
			found = true
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.publish()
	}
	return found
}

// Subscribe registers a handler for cache changes
func (c *Coordinator) Subscribe(handler Handler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriberEntry{id: id, handler: handler})

	return &subscription{id: id, coordinator: c}
}

func (c *Coordinator) unsubscribe(id int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.subscribers {
		if entry.id == id {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// publish delivers the full cache to every subscriber
func (c *Coordinator) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	snapshot := c.Data()

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(snapshot)
	}
}
