// Package entities describes the Home Assistant entities exposed for each
// appliance: how they read the cached state, when they are available and
// which command a write maps to.
package entities

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"sagecoffee/internal/command"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/sage"
)

// Domain is the integration domain used in device identifiers
const Domain = "sagecoffee"

const (
	DefaultName  = "Sage Coffee"
	Manufacturer = "Sage/Breville"
	UnknownModel = "Unknown"
)

// Component is a Home Assistant entity platform
type Component string

const (
	Switch Component = "switch"
	Sensor Component = "sensor"
	Number Component = "number"
	Select Component = "select"
	Text   Component = "text"
)

// Platforms lists the platforms every appliance exposes
var Platforms = []Component{Switch, Sensor, Text, Select, Number}

// Switch payloads
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// ErrReadOnly is returned when writing to an entity without a command
var ErrReadOnly = errors.New("entity is read-only")

// DeviceInfo groups the entities of one appliance
type DeviceInfo struct {
	Identifiers  [][2]string
	Name         string
	Manufacturer string
	Model        string
	SerialNumber string
}

// Device returns the device info for an appliance
func Device(a sage.Appliance) DeviceInfo {
	return DeviceInfo{
		Identifiers:  [][2]string{{Domain, a.SerialNumber}},
		Name:         DisplayName(a),
		Manufacturer: Manufacturer,
		Model:        orDefault(a.Model, UnknownModel),
		SerialNumber: a.SerialNumber,
	}
}

// DisplayName is the appliance name, or a generic name with the serial suffix
func DisplayName(a sage.Appliance) string {
	if a.Name != "" {
		return a.Name
	}
	serial := a.SerialNumber
	if len(serial) > 4 {
		serial = serial[len(serial)-4:]
	}
	return DefaultName + " " + serial
}

// Description is the static definition of an entity kind
type Description struct {
	Component   Component
	Key         string
	Name        string
	Icon        string
	DeviceClass string
	StateClass  string
	Unit        string
	Precision   int

	// number limits
	Min  float64
	Max  float64
	Step float64

	Options   []string // select
	MaxLength int      // text

	value      func(st coordinator.State, a sage.Appliance) (interface{}, bool)
	attributes func(st coordinator.State) map[string]interface{}
	available  func(st *coordinator.State) bool
	command    func(ctx context.Context, d *command.Dispatcher, serial, payload string) error
}

// Commandable reports whether the entity accepts writes
func (d Description) Commandable() bool {
	return d.command != nil
}

// HasAttributes reports whether the entity carries extra attributes
func (d Description) HasAttributes() bool {
	return d.attributes != nil
}

// Entity is a description bound to one appliance
type Entity struct {
	Description
	Appliance sage.Appliance
}

// UniqueID is stable across restarts and renames
func (e Entity) UniqueID() string {
	return e.Appliance.SerialNumber + "_" + e.Key
}

// Serial returns the appliance serial number
func (e Entity) Serial() string {
	return e.Appliance.SerialNumber
}

// Device returns the device this entity belongs to
func (e Entity) Device() DeviceInfo {
	return Device(e.Appliance)
}

// Value returns the entity value. The second result is false when the value
// is unknown.
func (e Entity) Value(st *coordinator.State) (interface{}, bool) {
	if st == nil {
		return nil, false
	}
	return e.value(*st, e.Appliance)
}

// Attributes returns extra state attributes, or nil
func (e Entity) Attributes(st *coordinator.State) map[string]interface{} {
	if e.attributes == nil || st == nil {
		return nil
	}
	return e.attributes(*st)
}

// Available reports whether the entity can be shown and used. Entities
// without an availability rule are always available and report an unknown
// value until a state arrives.
func (e Entity) Available(st *coordinator.State) bool {
	if e.available == nil {
		return true
	}
	return e.available(st)
}

// Apply routes a write to the matching command
func (e Entity) Apply(ctx context.Context, d *command.Dispatcher, payload string) error {
	if e.command == nil {
		return fmt.Errorf("%s %s: %w", e.Component, e.Key, ErrReadOnly)
	}
	return e.command(ctx, d, e.Serial(), payload)
}

// ForAppliance returns every entity of an appliance
func ForAppliance(a sage.Appliance) []Entity {
	descriptions := All()
	out := make([]Entity, 0, len(descriptions))
	for _, d := range descriptions {
		out = append(out, Entity{Description: d, Appliance: a})
	}
	return out
}

// All returns every entity description in platform order
func All() []Description {
	out := []Description{powerSwitch}
	out = append(out, sensorDescriptions...)
	out = append(out, applianceName, colorTheme)
	out = append(out, numberDescriptions...)
	return out
}

// Lookup finds a description by component and key
func Lookup(component Component, key string) (Description, bool) {
	for _, d := range All() {
		if d.Component == component && d.Key == key {
			return d, true
		}
	}
	return Description{}, false
}

var powerSwitch = Description{
	Component:   Switch,
	Key:         "power",
	Name:        "Power",
	DeviceClass: "switch",
	value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
		return st.IsOn(), true
	},
	attributes: func(st coordinator.State) map[string]interface{} {
		return map[string]interface{}{
			"reported_state": st.ReportedState,
			"desired_state":  st.DesiredState,
		}
	},
	command: func(ctx context.Context, d *command.Dispatcher, serial, payload string) error {
		switch strings.ToUpper(strings.TrimSpace(payload)) {
		case PayloadOn:
			return d.Wake(ctx, serial)
		case PayloadOff:
			return d.Sleep(ctx, serial)
		}
		return &command.ValidationError{Field: "power", Message: fmt.Sprintf("Invalid power payload: %s", payload)}
	},
}

var applianceName = Description{
	Component: Text,
	Key:       "appliance_name",
	Name:      "Appliance Name",
	Icon:      "mdi:rename-box",
	MaxLength: command.MaxNameLength,
	value: func(_ coordinator.State, a sage.Appliance) (interface{}, bool) {
		return a.Name, true
	},
	command: func(ctx context.Context, d *command.Dispatcher, serial, payload string) error {
		return d.SetName(ctx, serial, payload)
	},
}

var colorTheme = Description{
	Component: Select,
	Key:       "color_theme",
	Name:      "Color Theme",
	Icon:      "mdi:palette",
	Options:   command.Themes,
	value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
		if slices.Contains(command.Themes, st.Theme) {
			return st.Theme, true
		}
		return nil, false
	},
	available: awake,
	command: func(ctx context.Context, d *command.Dispatcher, serial, payload string) error {
		return d.SetTheme(ctx, serial, payload)
	},
}

func awake(st *coordinator.State) bool {
	return st != nil && !st.IsAsleep()
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intValue(p *int) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// parseLevel accepts "70" or "70.0" as sent by number entities
func parseLevel(field, payload string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, &command.ValidationError{Field: field, Message: fmt.Sprintf("Invalid %s value: %s", field, payload)}
	}
	return int(f), nil
}
