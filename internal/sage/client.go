// Package sage defines the contract with the upstream coffee machine client
// and ships the transports the bridge uses to reach it.
package sage

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when a call is made on a closed client
	ErrNotConnected = errors.New("sage: client not connected")

	// ErrAuthInvalid is returned when the gateway rejects the refresh token
	ErrAuthInvalid = errors.New("sage: authentication failed")
)

// Client is the upstream device client. Every call may fail independently.
type Client interface {
	ListAppliances(ctx context.Context) ([]Appliance, error)

	// LastState returns the last state the cloud knows for serial, or nil
	// when nothing has been reported yet.
	LastState(ctx context.Context, serial string) (*DeviceState, error)

	// TailState subscribes to live state updates for every appliance on
	// the account. The stream ends when ctx is cancelled or Close is called.
	TailState(ctx context.Context) (StateStream, error)

	Wake(ctx context.Context, serial string) error
	Sleep(ctx context.Context, serial string) error
	SetBrightness(ctx context.Context, serial string, value int) error
	SetWorkLightBrightness(ctx context.Context, serial string, value int) error
	SetVolume(ctx context.Context, serial string, value int) error
	SetColorTheme(ctx context.Context, serial string, theme string) error
	SetApplianceName(ctx context.Context, serial string, name string) error
	SetWakeSchedule(ctx context.Context, schedule WakeSchedule) error
	DisableWakeSchedule(ctx context.Context, serial string) error

	Close() error
}

// StateStream yields live state updates one at a time.
// Next returns io.EOF once the upstream feed has ended.
type StateStream interface {
	Next(ctx context.Context) (*DeviceState, error)
	Close() error
}

// Factory builds a client for one account
type Factory func(ctx context.Context, refreshToken, app string) (Client, error)
