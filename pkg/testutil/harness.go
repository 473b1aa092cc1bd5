package testutil

import (
	"context"
	"fmt"
	"time"

	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/sage"
	"sagecoffee/internal/services"

	"go.uber.org/zap"
)

const (
	// EntryID is the id of the entry every TestEnv loads
	EntryID = "test_entry"

	setupTimeout    = 5 * time.Second
	shutdownTimeout = 2 * time.Second
)

// TestEnv is a mock gateway plus a manager with one entry loaded
// through the real gateway client.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("refresh", sage.Appliance{SerialNumber: "XYZ123"})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.Gateway.PushState(sage.DeviceState{SerialNumber: "XYZ123", ReportedState: "ready"})
type TestEnv struct {
	Gateway  *MockGateway
	Manager  *entry.Manager
	Services *services.WakeSchedule
	Logger   *zap.Logger
}

// NewTestEnv starts a gateway serving appliances and sets up an entry
// authenticating with refreshToken. Platforms can be added to the
// manager before the entry is loaded.
func NewTestEnv(refreshToken string, appliances []sage.Appliance, platforms ...entry.Platform) (*TestEnv, error) {
	logger := zap.NewNop()

	gateway := NewMockGateway(refreshToken, appliances...)
	gateway.Start()

	manager := entry.NewManager(sage.GatewayFactory(gateway.URL(), logger), logger)
	for _, p := range platforms {
		manager.AddPlatform(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	e := entry.Entry{
		ID:           EntryID,
		Title:        "Sage Coffee",
		UniqueID:     "test-user",
		RefreshToken: refreshToken,
		Brand:        entry.BrandSage,
		CreatedAt:    time.Now(),
	}
	if err := manager.Setup(ctx, e); err != nil {
		gateway.Stop()
		return nil, fmt.Errorf("failed to set up entry: %w", err)
	}

	return &TestEnv{
		Gateway:  gateway,
		Manager:  manager,
		Services: services.NewWakeSchedule(manager, logger),
		Logger:   logger,
	}, nil
}

// Runtime returns the loaded entry
func (e *TestEnv) Runtime() *entry.Runtime {
	rt, _ := e.Manager.Runtime(EntryID)
	return rt
}

// WaitForState polls the cache until match accepts the state of serial
func (e *TestEnv) WaitForState(serial string, match func(coordinator.State) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rt := e.Runtime(); rt != nil {
			if st, ok := rt.Coordinator.GetState(serial); ok && match(st) {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	e.Manager.Shutdown(ctx)
	e.Gateway.Stop()
}
