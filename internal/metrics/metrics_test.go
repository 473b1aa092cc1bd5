package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sagecoffee/internal/command"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/sage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRuntime(t *testing.T) *entry.Runtime {
	t.Helper()
	logger := zap.NewNop()
	appliances := []sage.Appliance{{SerialNumber: "XYZ123"}}
	client := sage.NewMockClient(appliances...)
	client.SetLastState(&sage.DeviceState{
		SerialNumber:  "XYZ123",
		ReportedState: "ready",
		BoilerTemps: []sage.BoilerTemp{
			{ID: "0", CurrentTemp: 120.5, TargetTemp: 130},
			{ID: "1", CurrentTemp: 94.2, TargetTemp: 95},
		},
	})
	coord := coordinator.New(client, appliances, logger)
	coord.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		coord.Stop(ctx)
	})
	return &entry.Runtime{
		Entry:       entry.Entry{ID: "entry1"},
		Client:      client,
		Coordinator: coord,
		Dispatcher:  command.NewDispatcher(coord, logger),
	}
}

func TestCollector_SetupEntry(t *testing.T) {
	c := NewCollector(zap.NewNop())
	rt := newRuntime(t)

	require.NoError(t, c.SetupEntry(context.Background(), rt))

	assert.Equal(t, 94.2, testutil.ToFloat64(c.boilerTemperature.WithLabelValues("XYZ123", "brew")))
	assert.Equal(t, 130.0, testutil.ToFloat64(c.boilerTarget.WithLabelValues("XYZ123", "steam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.machineOn.WithLabelValues("XYZ123")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.machineAsleep.WithLabelValues("XYZ123")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entriesLoaded))
}

func TestCollector_FollowsCoordinator(t *testing.T) {
	c := NewCollector(zap.NewNop())
	rt := newRuntime(t)
	require.NoError(t, c.SetupEntry(context.Background(), rt))

	rt.Coordinator.Update("XYZ123", func(st *coordinator.State) {
		st.ReportedState = "asleep"
		st.Volume = coordinator.IntPtr(40)
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.machineOn.WithLabelValues("XYZ123")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.machineAsleep.WithLabelValues("XYZ123")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.setting.WithLabelValues("XYZ123", "volume")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.updates.WithLabelValues("XYZ123")))
}

func TestCollector_UnloadEntry(t *testing.T) {
	c := NewCollector(zap.NewNop())
	rt := newRuntime(t)
	require.NoError(t, c.SetupEntry(context.Background(), rt))
	require.NoError(t, c.UnloadEntry(context.Background(), rt))

	assert.Equal(t, 0, testutil.CollectAndCount(c.boilerTemperature))
	assert.Equal(t, 0, testutil.CollectAndCount(c.machineOn))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.entriesLoaded))

	rt.Coordinator.Update("XYZ123", func(st *coordinator.State) {
		st.Volume = coordinator.IntPtr(10)
	})
	assert.Equal(t, 0, testutil.CollectAndCount(c.setting))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(zap.NewNop())
	require.NoError(t, c.SetupEntry(context.Background(), newRuntime(t)))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sagecoffee_boiler_temperature_celsius{boiler="brew",serial="XYZ123"} 94.2`)
}
