package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"sagecoffee/internal/command"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/sage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupManager loads one entry per client, keyed by refresh token
func setupManager(t *testing.T, clients map[string]*sage.MockClient) *entry.Manager {
	factory := func(ctx context.Context, refreshToken, app string) (sage.Client, error) {
		return clients[refreshToken], nil
	}
	m := entry.NewManager(factory, zap.NewNop())

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	for token := range clients {
		e := entry.Entry{ID: token, RefreshToken: token, CreatedAt: created.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, m.Setup(context.Background(), e))
		i++
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func TestSet_ResolvesAcrossEntries(t *testing.T) {
	kitchen := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	office := sage.NewMockClient(sage.Appliance{SerialNumber: "BBB"})
	m := setupManager(t, map[string]*sage.MockClient{"kitchen": kitchen, "office": office})

	svc := NewWakeSchedule(m, zap.NewNop())

	err := svc.Set(context.Background(), SetWakeScheduleRequest{
		Serial:  "BBB",
		Hours:   6,
		Minutes: 45,
		Days:    []string{"mon", "fri"},
	})
	require.NoError(t, err)

	assert.Empty(t, kitchen.Calls())
	calls := office.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "SetWakeSchedule", calls[0].Method)
	assert.Equal(t, sage.WakeSchedule{Serial: "BBB", Hours: 6, Minutes: 45, Days: "mon,fri", Enabled: true}, calls[0].Args[0])
}

func TestSet_EnabledFalse(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	m := setupManager(t, map[string]*sage.MockClient{"rt": client})

	disabled := false
	err := NewWakeSchedule(m, zap.NewNop()).Set(context.Background(), SetWakeScheduleRequest{
		Serial:  "AAA",
		Hours:   7,
		Enabled: &disabled,
	})
	require.NoError(t, err)

	schedule := client.Calls()[0].Args[0].(sage.WakeSchedule)
	assert.False(t, schedule.Enabled)
	assert.Empty(t, schedule.Days)
}

func TestSet_UnknownSerial(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	m := setupManager(t, map[string]*sage.MockClient{"rt": client})

	err := NewWakeSchedule(m, zap.NewNop()).Set(context.Background(), SetWakeScheduleRequest{Serial: "ZZZ"})

	var validationErr *command.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Appliance ZZZ not found", err.Error())

	var cmdErr *command.Error
	assert.False(t, errors.As(err, &cmdErr))
	assert.Empty(t, client.Calls())
}

func TestSet_DownstreamFailure(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	client.FailCommand("SetWakeSchedule", errors.New("appliance offline"))
	m := setupManager(t, map[string]*sage.MockClient{"rt": client})

	err := NewWakeSchedule(m, zap.NewNop()).Set(context.Background(), SetWakeScheduleRequest{Serial: "AAA", Hours: 6})

	var cmdErr *command.Error
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "Failed to set wake schedule: appliance offline", err.Error())
}

func TestSet_SkipsUnloadedEntries(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	m := setupManager(t, map[string]*sage.MockClient{"rt": client})

	require.NoError(t, m.Unload(context.Background(), "rt"))

	err := NewWakeSchedule(m, zap.NewNop()).Set(context.Background(), SetWakeScheduleRequest{Serial: "AAA"})
	var validationErr *command.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestDisable(t *testing.T) {
	client := sage.NewMockClient(sage.Appliance{SerialNumber: "AAA"})
	m := setupManager(t, map[string]*sage.MockClient{"rt": client})
	svc := NewWakeSchedule(m, zap.NewNop())

	require.NoError(t, svc.Disable(context.Background(), DisableWakeScheduleRequest{Serial: "AAA"}))
	assert.Equal(t, "DisableWakeSchedule", client.Calls()[0].Method)

	client.FailCommand("DisableWakeSchedule", errors.New("timeout"))
	err := svc.Disable(context.Background(), DisableWakeScheduleRequest{Serial: "AAA"})
	assert.Equal(t, "Failed to disable wake schedule: timeout", err.Error())

	err = svc.Disable(context.Background(), DisableWakeScheduleRequest{Serial: "NOPE"})
	assert.Equal(t, "Appliance NOPE not found", err.Error())
}
