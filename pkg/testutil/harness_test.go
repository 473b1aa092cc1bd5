package testutil

import (
	"context"
	"testing"
	"time"

	"sagecoffee/internal/command"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/sage"
	"sagecoffee/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testAppliances = []sage.Appliance{
	{SerialNumber: "XYZ123", Name: "Kitchen", Model: "BES995"},
}

func newEnv(t *testing.T) *TestEnv {
	t.Helper()
	env, err := NewTestEnv("refresh", testAppliances)
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)

	require.Eventually(t, func() bool { return env.Gateway.Subscribers() == 1 },
		2*time.Second, 5*time.Millisecond, "live update loop never subscribed")
	return env
}

func TestTestEnv_LoadsEntry(t *testing.T) {
	env := newEnv(t)

	assert.Equal(t, entry.StateLoaded, env.Manager.State(EntryID))
	assert.Equal(t, []string{entry.BrandSage}, env.Gateway.Apps())

	calls := env.Gateway.Calls()
	assert.Len(t, FilterCommands(calls, "list_appliances"), 1)
	assert.NotNil(t, FindCommandForSerial(calls, "get_last_state", "XYZ123"))
}

func TestTestEnv_LiveStateUpdates(t *testing.T) {
	env := newEnv(t)

	env.Gateway.PushState(sage.DeviceState{
		SerialNumber:  "XYZ123",
		ReportedState: "ready",
		BoilerTemps:   []sage.BoilerTemp{{ID: "1", CurrentTemp: 93.5, TargetTemp: 94}},
	})

	assert.True(t, env.WaitForState("XYZ123", func(st coordinator.State) bool {
		return st.ReportedState == "ready"
	}, 2*time.Second))

	st, ok := env.Runtime().Coordinator.GetState("XYZ123")
	require.True(t, ok)
	assert.True(t, st.IsOn())
}

func TestTestEnv_InitialState(t *testing.T) {
	gateway := NewMockGateway("refresh", testAppliances...)
	gateway.SetLastState(sage.DeviceState{SerialNumber: "XYZ123", ReportedState: "asleep"})
	gateway.Start()
	defer gateway.Stop()

	client := sage.NewGatewayClient(gateway.URL(), "refresh", entry.BrandSage, zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ds, err := client.LastState(context.Background(), "XYZ123")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, "asleep", ds.ReportedState)

	ds, err = client.LastState(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, ds)
}

func TestTestEnv_Commands(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.Gateway.ClearCalls()

	require.NoError(t, env.Runtime().Dispatcher.Wake(ctx, "XYZ123"))
	require.NoError(t, env.Runtime().Dispatcher.SetVolume(ctx, "XYZ123", 7))

	calls := env.Gateway.Calls()
	assert.NotNil(t, FindCommandForSerial(calls, "wake", "XYZ123"))
	assert.NotNil(t, FindCommandWithArg(calls, "set_volume", "value", float64(7)))
}

func TestTestEnv_WakeScheduleServices(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.Gateway.ClearCalls()

	require.NoError(t, env.Services.Set(ctx, services.SetWakeScheduleRequest{
		Serial:  "XYZ123",
		Hours:   6,
		Minutes: 30,
		Days:    []string{"Mon", "tue", "mon"},
	}))
	call := FindCommandForSerial(env.Gateway.Calls(), "set_wake_schedule", "XYZ123")
	require.NotNil(t, call)
	assert.Equal(t, float64(6), call.Args["hours"])
	assert.Equal(t, float64(30), call.Args["minutes"])
	assert.Equal(t, "mon,tue", call.Args["days"])
	assert.Equal(t, true, call.Args["enabled"])

	require.NoError(t, env.Services.Disable(ctx, services.DisableWakeScheduleRequest{Serial: "XYZ123"}))
	assert.NotNil(t, FindCommandForSerial(env.Gateway.Calls(), "disable_wake_schedule", "XYZ123"))

	err := env.Services.Disable(ctx, services.DisableWakeScheduleRequest{Serial: "NOPE"})
	var verr *command.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Appliance NOPE not found", verr.Message)
}

func TestTestEnv_CommandFailure(t *testing.T) {
	env := newEnv(t)
	env.Gateway.FailCommand("sleep", "device_offline", "machine unreachable")

	err := env.Runtime().Dispatcher.Sleep(context.Background(), "XYZ123")
	var cerr *command.Error
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "Failed to put coffee machine to sleep")
	assert.Contains(t, err.Error(), "device_offline")
}

func TestNewTestEnv_InvalidToken(t *testing.T) {
	gateway := NewMockGateway("other", testAppliances...)
	gateway.Start()
	defer gateway.Stop()

	client := sage.NewGatewayClient(gateway.URL(), "refresh", entry.BrandSage, zap.NewNop())
	assert.ErrorIs(t, client.Connect(context.Background()), sage.ErrAuthInvalid)
}
