// Package services implements the account-independent actions users can
// invoke by appliance serial: setting and disabling the wake schedule.
package services

import (
	"context"

	"sagecoffee/internal/command"
	"sagecoffee/internal/entry"

	"go.uber.org/zap"
)

const (
	SetWakeSchedule     = "set_wake_schedule"
	DisableWakeSchedule = "disable_wake_schedule"
)

// SetWakeScheduleRequest is the input of set_wake_schedule
type SetWakeScheduleRequest struct {
	Serial  string   `json:"serial"`
	Hours   int      `json:"hours"`
	Minutes int      `json:"minutes"`
	Days    []string `json:"days,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// DisableWakeScheduleRequest is the input of disable_wake_schedule
type DisableWakeScheduleRequest struct {
	Serial string `json:"serial"`
}

// Registry is the set of loaded entries services resolve targets in
type Registry interface {
	LoadedEntries() []*entry.Runtime
}

// WakeSchedule handles the wake schedule services
type WakeSchedule struct {
	registry Registry
	logger   *zap.Logger
}

// NewWakeSchedule creates the wake schedule services
func NewWakeSchedule(registry Registry, logger *zap.Logger) *WakeSchedule {
	return &WakeSchedule{
		registry: registry,
		logger:   logger.Named("services"),
	}
}

// Set programs the wake schedule of the appliance with the given serial
func (s *WakeSchedule) Set(ctx context.Context, req SetWakeScheduleRequest) error {
	rt, err := s.resolve(req.Serial)
	if err != nil {
		return err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	s.logger.Info("Setting wake schedule",
		zap.String("serial", req.Serial),
		zap.Int("hours", req.Hours),
		zap.Int("minutes", req.Minutes),
		zap.Strings("days", req.Days),
		zap.Bool("enabled", enabled))

	return rt.Dispatcher.SetWakeSchedule(ctx, req.Serial, command.Schedule{
		Hours:   req.Hours,
		Minutes: req.Minutes,
		Days:    req.Days,
		Enabled: enabled,
	})
}

// Disable clears the wake schedule of the appliance with the given serial
func (s *WakeSchedule) Disable(ctx context.Context, req DisableWakeScheduleRequest) error {
	rt, err := s.resolve(req.Serial)
	if err != nil {
		return err
	}

	s.logger.Info("Disabling wake schedule", zap.String("serial", req.Serial))
	return rt.Dispatcher.DisableWakeSchedule(ctx, req.Serial)
}

// resolve finds the first loaded entry that owns serial
func (s *WakeSchedule) resolve(serial string) (*entry.Runtime, error) {
	for _, rt := range s.registry.LoadedEntries() {
		if rt.Coordinator.HasAppliance(serial) {
			return rt, nil
		}
	}
	s.logger.Warn("Appliance not found in any loaded entry", zap.String("serial", serial))
	return nil, command.NotFound(serial)
}
