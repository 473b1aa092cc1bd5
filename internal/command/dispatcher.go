// Package command issues mutating actions against appliances. Every action
// validates its arguments, calls the upstream client and, for settings the
// machine echoes back later, writes the new value into the state cache
// right away so observers do not wait for the next live update.
package command

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/sage"

	"go.uber.org/zap"
)

const (
	MinLevel      = 1
	MaxLevel      = 100
	MaxNameLength = 20
)

// Color themes accepted by SetTheme
const (
	ThemeDark  = "dark"
	ThemeLight = "light"
)

// Themes lists the supported color themes in display order
var Themes = []string{ThemeDark, ThemeLight}

// Weekdays accepted in a wake schedule
var Weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Schedule is a wake schedule request
type Schedule struct {
	Hours   int
	Minutes int
	Days    []string
	Enabled bool
}

// Dispatcher issues commands for the appliances of one coordinator
type Dispatcher struct {
	coordinator *coordinator.Coordinator
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher bound to a coordinator
func NewDispatcher(coord *coordinator.Coordinator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		coordinator: coord,
		logger:      logger.Named("command"),
	}
}

// Wake turns the machine on
func (d *Dispatcher) Wake(ctx context.Context, serial string) error {
	return d.run(ctx, "wake coffee machine", serial, func(c sage.Client) error {
		return c.Wake(ctx, serial)
	})
}

// Sleep puts the machine to sleep
func (d *Dispatcher) Sleep(ctx context.Context, serial string) error {
	return d.run(ctx, "put coffee machine to sleep", serial, func(c sage.Client) error {
		return c.Sleep(ctx, serial)
	})
}

// SetBrightness sets the display brightness
func (d *Dispatcher) SetBrightness(ctx context.Context, serial string, value int) error {
	if err := checkLevel("brightness", value); err != nil {
		return err
	}
	err := d.run(ctx, "set brightness", serial, func(c sage.Client) error {
		return c.SetBrightness(ctx, serial, value)
	})
	if err != nil {
		return err
	}
	d.coordinator.Update(serial, func(s *coordinator.State) { s.Brightness = coordinator.IntPtr(value) })
	return nil
}

// SetWorkLightBrightness sets the cup light brightness
func (d *Dispatcher) SetWorkLightBrightness(ctx context.Context, serial string, value int) error {
	if err := checkLevel("work_light_brightness", value); err != nil {
		return err
	}
	err := d.run(ctx, "set work_light_brightness", serial, func(c sage.Client) error {
		return c.SetWorkLightBrightness(ctx, serial, value)
	})
	if err != nil {
		return err
	}
	d.coordinator.Update(serial, func(s *coordinator.State) { s.WorkLightBrightness = coordinator.IntPtr(value) })
	return nil
}

// SetVolume sets the beep volume
func (d *Dispatcher) SetVolume(ctx context.Context, serial string, value int) error {
	if err := checkLevel("volume", value); err != nil {
		return err
	}
	err := d.run(ctx, "set volume", serial, func(c sage.Client) error {
		return c.SetVolume(ctx, serial, value)
	})
	if err != nil {
		return err
	}
	d.coordinator.Update(serial, func(s *coordinator.State) { s.Volume = coordinator.IntPtr(value) })
	return nil
}

// SetTheme switches the display color theme
func (d *Dispatcher) SetTheme(ctx context.Context, serial string, theme string) error {
	if theme != ThemeDark && theme != ThemeLight {
		return invalid("theme", "Invalid theme: %s", theme)
	}
	err := d.run(ctx, "set theme", serial, func(c sage.Client) error {
		return c.SetColorTheme(ctx, serial, theme)
	})
	if err != nil {
		return err
	}
	d.coordinator.Update(serial, func(s *coordinator.State) { s.Theme = theme })
	return nil
}

// SetName renames the appliance on the machine and locally
func (d *Dispatcher) SetName(ctx context.Context, serial string, name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > MaxNameLength {
		return invalid("name", "Name must be between 1 and %d characters", MaxNameLength)
	}
	err := d.run(ctx, "set appliance name", serial, func(c sage.Client) error {
		return c.SetApplianceName(ctx, serial, name)
	})
	if err != nil {
		return err
	}
	d.coordinator.RenameAppliance(serial, name)
	return nil
}

// SetWakeSchedule programs the machine to wake at a time of day
func (d *Dispatcher) SetWakeSchedule(ctx context.Context, serial string, schedule Schedule) error {
	days, err := validateSchedule(schedule)
	if err != nil {
		return err
	}
	return d.run(ctx, "set wake schedule", serial, func(c sage.Client) error {
		return c.SetWakeSchedule(ctx, sage.WakeSchedule{
			Serial:  serial,
			Hours:   schedule.Hours,
			Minutes: schedule.Minutes,
			Days:    days,
			Enabled: schedule.Enabled,
		})
	})
}

// DisableWakeSchedule clears the machine's wake schedule
func (d *Dispatcher) DisableWakeSchedule(ctx context.Context, serial string) error {
	return d.run(ctx, "disable wake schedule", serial, func(c sage.Client) error {
		return c.DisableWakeSchedule(ctx, serial)
	})
}

func (d *Dispatcher) run(ctx context.Context, action, serial string, call func(sage.Client) error) error {
	if !d.coordinator.HasAppliance(serial) {
		return NotFound(serial)
	}

	d.logger.Debug("Issuing command",
		zap.String("action", action),
		zap.String("serial", serial))

	if err := call(d.coordinator.Client()); err != nil {
		d.logger.Error("Command failed",
			zap.String("action", action),
			zap.String("serial", serial),
			zap.Error(err))
		return &Error{Action: action, Serial: serial, Err: err}
	}
	return nil
}

func checkLevel(field string, value int) error {
	if value < MinLevel || value > MaxLevel {
		return invalid(field, "%s must be between %d and %d", field, MinLevel, MaxLevel)
	}
	return nil
}

// validateSchedule checks the schedule and returns the comma-joined days
func validateSchedule(s Schedule) (string, error) {
	if s.Hours < 0 || s.Hours > 23 {
		return "", invalid("hours", "hours must be between 0 and 23")
	}
	if s.Minutes < 0 || s.Minutes > 59 {
		return "", invalid("minutes", "minutes must be between 0 and 59")
	}

	seen := make(map[string]bool, len(s.Days))
	days := make([]string, 0, len(s.Days))
	for _, day := range s.Days {
		day = strings.ToLower(strings.TrimSpace(day))
		if !slices.Contains(Weekdays, day) {
			return "", invalid("days", "Invalid day: %s", day)
		}
		if seen[day] {
			continue
		}
		seen[day] = true
		days = append(days, day)
	}
	return strings.Join(days, ","), nil
}
