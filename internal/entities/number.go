package entities

import (
	"context"

	"sagecoffee/internal/command"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/sage"
)

var numberDescriptions = []Description{
	levelNumber("brightness", "Display Brightness", "mdi:brightness-6",
		func(st coordinator.State) *int { return st.Brightness },
		(*command.Dispatcher).SetBrightness),
	levelNumber("work_light_brightness", "Work Light Brightness", "mdi:desk-lamp",
		func(st coordinator.State) *int { return st.WorkLightBrightness },
		(*command.Dispatcher).SetWorkLightBrightness),
	levelNumber("volume", "Volume", "mdi:volume-high",
		func(st coordinator.State) *int { return st.Volume },
		(*command.Dispatcher).SetVolume),
}

type levelSetter func(d *command.Dispatcher, ctx context.Context, serial string, value int) error

func levelNumber(key, name, icon string, get func(coordinator.State) *int, set levelSetter) Description {
	return Description{
		Component: Number,
		Key:       key,
		Name:      name,
		Icon:      icon,
		Unit:      "%",
		Min:       command.MinLevel,
		Max:       command.MaxLevel,
		Step:      10,
		value: func(st coordinator.State, _ sage.Appliance) (interface{}, bool) {
			return intValue(get(st))
		},
		available: awake,
		command: func(ctx context.Context, d *command.Dispatcher, serial, payload string) error {
			value, err := parseLevel(key, payload)
			if err != nil {
				return err
			}
			return set(d, ctx, serial, value)
		},
	}
}
