package entities

import (
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/sage"
)

var sensorDescriptions = []Description{
	{
		Component: Sensor,
		Key:       "state",
		Name:      "State",
		Icon:      "mdi:coffee-maker",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return st.ReportedState, st.ReportedState != ""
		},
	},
	temperatureSensor("brew_temp", "Brew Temperature", coordinator.BoilerBrew, false),
	temperatureSensor("brew_target", "Brew Target Temperature", coordinator.BoilerBrew, true),
	temperatureSensor("steam_temp", "Steam Temperature", coordinator.BoilerSteam, false),
	temperatureSensor("steam_target", "Steam Target Temperature", coordinator.BoilerSteam, true),
	{
		Component: Sensor,
		Key:       "theme",
		Name:      "Theme",
		Icon:      "mdi:palette",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return st.Theme, st.Theme != ""
		},
	},
	{
		Component: Sensor,
		Key:       "brightness",
		Name:      "Display Brightness",
		Icon:      "mdi:brightness-6",
		Unit:      "%",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(st.Brightness)
		},
	},
	{
		Component: Sensor,
		Key:       "work_light",
		Name:      "Work Light Brightness",
		Icon:      "mdi:desk-lamp",
		Unit:      "%",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(st.WorkLightBrightness)
		},
	},
	{
		Component: Sensor,
		Key:       "grind_size",
		Name:      "Grind Size",
		Icon:      "mdi:grain",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(st.GrindSize)
		},
	},
	{
		Component: Sensor,
		Key:       "volume",
		Name:      "Volume",
		Icon:      "mdi:volume-high",
		Unit:      "%",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(st.Volume)
		},
	},
	{
		Component:   Sensor,
		Key:         "auto_off",
		Name:        "Auto-off Time",
		Icon:        "mdi:timer-off",
		DeviceClass: "duration",
		Unit:        "min",
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(st.IdleTime)
		},
	},
}

// temperatureSensor reads the current or target temperature of a boiler.
// Only current readings carry a measurement state class.
func temperatureSensor(key, name string, boiler int, target bool) Description {
	d := Description{
		Component:   Sensor,
		Key:         key,
		Name:        name,
		DeviceClass: "temperature",
		Unit:        "°C",
		Precision:   1,
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			b, ok := st.Boiler(boiler)
			if !ok {
				return nil, false
			}
			if target {
				return b.TargetTemp, true
			}
			return b.CurrentTemp, true
		},
	}
	if !target {
		d.StateClass = "measurement"
	}
	return d
}
