package coordinator

import (
	"strconv"
	"strings"

	"sagecoffee/internal/sage"
)

// Machine states reported by the appliance
const (
	StateReady   = "ready"
	StateWarming = "warming"
	StateAsleep  = "asleep"
)

// Boiler ids on dual boiler machines
const (
	BoilerSteam = 0
	BoilerBrew  = 1
)

// BoilerTemp is one boiler reading
type BoilerTemp struct {
	ID          string  `json:"id"`
	CurrentTemp float64 `json:"cur_temp"`
	TargetTemp  float64 `json:"temp_sp"`
}

// State is the cached snapshot of one appliance. Optional settings are nil
// when the machine did not report them.
type State struct {
	ReportedState       string                 `json:"reported_state"`
	DesiredState        string                 `json:"desired_state"`
	BoilerTemps         []BoilerTemp           `json:"boiler_temps"`
	GrindSize           *int                   `json:"grind_size"`
	Theme               string                 `json:"theme,omitempty"`
	Brightness          *int                   `json:"brightness"`
	WorkLightBrightness *int                   `json:"work_light_brightness"`
	Volume              *int                   `json:"volume"`
	IdleTime            *int                   `json:"idle_time"`
	Timezone            string                 `json:"timezone,omitempty"`
	Firmware            map[string]interface{} `json:"firmware"`
}

// IsAsleep reports whether the machine says it is asleep
func (s State) IsAsleep() bool {
	return strings.ToLower(s.ReportedState) == StateAsleep
}

// IsOn reports whether the machine is ready or warming up
func (s State) IsOn() bool {
	switch strings.ToLower(s.ReportedState) {
	case StateReady, StateWarming:
		return true
	}
	return false
}

// Boiler returns the reading for a boiler id
func (s State) Boiler(id int) (BoilerTemp, bool) {
	key := strconv.Itoa(id)
	for _, b := range s.BoilerTemps {
		if b.ID == key {
			return b, true
		}
	}
	return BoilerTemp{}, false
}

// Clone returns a deep copy
func (s State) Clone() State {
	out := s
	if s.BoilerTemps != nil {
		out.BoilerTemps = make([]BoilerTemp, len(s.BoilerTemps))
		copy(out.BoilerTemps, s.BoilerTemps)
	}
	out.GrindSize = cloneInt(s.GrindSize)
	out.Brightness = cloneInt(s.Brightness)
	out.WorkLightBrightness = cloneInt(s.WorkLightBrightness)
	out.Volume = cloneInt(s.Volume)
	out.IdleTime = cloneInt(s.IdleTime)
	if s.Firmware != nil {
		out.Firmware = make(map[string]interface{}, len(s.Firmware))
		for k, v := range s.Firmware {
			out.Firmware[k] = v
		}
	}
	return out
}

// FromDevice flattens an upstream state report into a snapshot.
// Device settings live under reported.cfg.default in the raw payload.
func FromDevice(ds *sage.DeviceState) State {
	st := State{
		ReportedState: ds.ReportedState,
		DesiredState:  ds.DesiredState,
		BoilerTemps:   make([]BoilerTemp, 0, len(ds.BoilerTemps)),
		GrindSize:     cloneInt(ds.GrindSize),
		Firmware:      map[string]interface{}{},
	}
	for _, b := range ds.BoilerTemps {
		st.BoilerTemps = append(st.BoilerTemps, BoilerTemp{ID: b.ID, CurrentTemp: b.CurrentTemp, TargetTemp: b.TargetTemp})
	}

	reported := nested(ds.RawData, "reported")
	settings := nested(reported, "cfg", "default")

	st.Theme, _ = settings["theme"].(string)
	st.Brightness = intField(settings, "brightness")
	st.WorkLightBrightness = intField(settings, "work_light_brightness")
	st.Volume = intField(settings, "vol")
	st.IdleTime = intField(settings, "idle_time")
	st.Timezone, _ = settings["timezone"].(string)
	if fw := nested(reported, "firmware"); fw != nil {
		st.Firmware = fw
	}
	return st
}

func nested(m map[string]interface{}, path ...string) map[string]interface{} {
	cur := m
	for _, key := range path {
		if cur == nil {
			return nil
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func intField(m map[string]interface{}, key string) *int {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		i := int(v)
		return &i
	case int:
		return &v
	case int64:
		i := int(v)
		return &i
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return &i
		}
	}
	return nil
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
