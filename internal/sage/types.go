package sage

import (
	"encoding/json"
	"time"
)

// Appliance is a coffee machine registered to the account
type Appliance struct {
	SerialNumber string `json:"serial_number"`
	Name         string `json:"name"`
	Model        string `json:"model"`
}

// BoilerTemp is a single boiler reading as reported by the machine
type BoilerTemp struct {
	ID          string  `json:"id"`
	CurrentTemp float64 `json:"cur_temp"`
	TargetTemp  float64 `json:"temp_sp"`
}

// DeviceState is a full state report for one appliance
type DeviceState struct {
	SerialNumber  string                 `json:"serial_number"`
	ReportedState string                 `json:"reported_state"`
	DesiredState  string                 `json:"desired_state"`
	BoilerTemps   []BoilerTemp           `json:"boiler_temps"`
	GrindSize     *int                   `json:"grind_size,omitempty"`
	RawData       map[string]interface{} `json:"raw_data,omitempty"`
	ReceivedAt    time.Time              `json:"received_at"`
}

// WakeSchedule describes a scheduled wake-up for an appliance.
// Days is a comma separated list ("mon,tue") or empty for every day.
type WakeSchedule struct {
	Serial  string `json:"serial"`
	Hours   int    `json:"hours"`
	Minutes int    `json:"minutes"`
	Days    string `json:"days,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Message is the envelope exchanged with the device gateway
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	State   *DeviceState    `json:"state,omitempty"`
}

// Error represents an error response from the gateway
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage authenticates the bridge against the gateway
type AuthMessage struct {
	Type         string `json:"type"`
	RefreshToken string `json:"refresh_token"`
	App          string `json:"app,omitempty"`
}

// CommandRequest invokes one gateway command
type CommandRequest struct {
	ID      int                    `json:"id"`
	Type    string                 `json:"type"`
	Command string                 `json:"command"`
	Serial  string                 `json:"serial,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
}
