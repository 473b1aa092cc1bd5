package discovery

import (
	"fmt"
	"strconv"

	"sagecoffee/internal/entities"
	"sagecoffee/internal/mqtt"
)

const originName = "sagecoffee"

// Device is the device block of a discovery config
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// Origin names the software publishing the config
type Origin struct {
	Name string `json:"name"`
}

// Availability is one availability source. All sources must be online.
type Availability struct {
	Topic string `json:"topic"`
}

// Config is a Home Assistant MQTT discovery payload
type Config struct {
	Name               string         `json:"name"`
	UniqueID           string         `json:"unique_id"`
	ObjectID           string         `json:"object_id,omitempty"`
	Device             Device         `json:"device"`
	Origin             Origin         `json:"origin"`
	StateTopic         string         `json:"state_topic"`
	CommandTopic       string         `json:"command_topic,omitempty"`
	AttributesTopic    string         `json:"json_attributes_topic,omitempty"`
	Availability       []Availability `json:"availability"`
	AvailabilityMode   string         `json:"availability_mode"`
	Icon               string         `json:"icon,omitempty"`
	DeviceClass        string         `json:"device_class,omitempty"`
	StateClass         string         `json:"state_class,omitempty"`
	UnitOfMeasurement  string         `json:"unit_of_measurement,omitempty"`
	SuggestedPrecision *int           `json:"suggested_display_precision,omitempty"`
	Min                *float64       `json:"min,omitempty"`
	Max                *float64       `json:"max,omitempty"`
	Step               *float64       `json:"step,omitempty"`
	Options            []string       `json:"options,omitempty"`
	PayloadOn          string         `json:"payload_on,omitempty"`
	PayloadOff         string         `json:"payload_off,omitempty"`
}

// BuildConfig returns the discovery payload of an entity
func BuildConfig(e entities.Entity, topics Topics) Config {
	device := e.Device()
	identifiers := make([]string, 0, len(device.Identifiers))
	for _, id := range device.Identifiers {
		identifiers = append(identifiers, id[0]+"_"+id[1])
	}

	cfg := Config{
		Name:     e.Name,
		UniqueID: string(e.Component) + "_" + e.UniqueID(),
		ObjectID: entities.Domain + "_" + e.UniqueID(),
		Device: Device{
			Identifiers:  identifiers,
			Name:         device.Name,
			Manufacturer: device.Manufacturer,
			Model:        device.Model,
			SerialNumber: device.SerialNumber,
		},
		Origin:     Origin{Name: originName},
		StateTopic: topics.State(e),
		Availability: []Availability{
			{Topic: topics.BridgeStatus()},
			{Topic: topics.Availability(e)},
		},
		AvailabilityMode:  "all",
		Icon:              e.Icon,
		DeviceClass:       e.DeviceClass,
		StateClass:        e.StateClass,
		UnitOfMeasurement: e.Unit,
	}

	if e.Commandable() {
		cfg.CommandTopic = topics.Command(e)
	}
	if e.HasAttributes() {
		cfg.AttributesTopic = topics.Attributes(e)
	}
	if e.Precision > 0 {
		p := e.Precision
		cfg.SuggestedPrecision = &p
	}

	switch e.Component {
	case entities.Switch:
		cfg.PayloadOn = entities.PayloadOn
		cfg.PayloadOff = entities.PayloadOff
	case entities.Number:
		lo, hi, step := e.Min, e.Max, e.Step
		cfg.Min, cfg.Max, cfg.Step = &lo, &hi, &step
	case entities.Select:
		cfg.Options = e.Options
	case entities.Text:
		hi := float64(e.MaxLength)
		cfg.Max = &hi
	}

	return cfg
}

// FormatValue renders an entity value as an MQTT state payload. Unknown
// values use the payload Home Assistant maps to "unknown".
func FormatValue(value interface{}, known bool) string {
	if !known || value == nil {
		return "None"
	}
	switch v := value.(type) {
	case bool:
		if v {
			return entities.PayloadOn
		}
		return entities.PayloadOff
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	return fmt.Sprint(value)
}

// FormatAvailability renders an availability flag
func FormatAvailability(available bool) string {
	if available {
		return mqtt.PayloadOnline
	}
	return mqtt.PayloadOffline
}
