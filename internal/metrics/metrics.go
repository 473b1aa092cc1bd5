// Package metrics exports the cached appliance state as Prometheus gauges.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "sagecoffee"

var boilerNames = map[int]string{
	coordinator.BoilerSteam: "steam",
	coordinator.BoilerBrew:  "brew",
}

// Collector is an entry platform keeping gauges in sync with coordinators
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	boilerTemperature *prometheus.GaugeVec
	boilerTarget      *prometheus.GaugeVec
	machineOn         *prometheus.GaugeVec
	machineAsleep     *prometheus.GaugeVec
	setting           *prometheus.GaugeVec
	updates           *prometheus.CounterVec
	entriesLoaded     prometheus.Gauge

	mu   sync.Mutex
	subs map[string]coordinator.Subscription
	seen map[string][]string
}

// NewCollector registers the gauges on a private registry
func NewCollector(logger *zap.Logger) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.Named("metrics"),
		boilerTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "boiler_temperature_celsius",
				Help:      "Current boiler temperature in degree celsius.",
			},
			[]string{"serial", "boiler"}),
		boilerTarget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "boiler_target_celsius",
				Help:      "Boiler set point in degree celsius.",
			},
			[]string{"serial", "boiler"}),
		machineOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machine_on",
				Help:      "1 when the machine is ready or warming up.",
			},
			[]string{"serial"}),
		machineAsleep: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machine_asleep",
				Help:      "1 when the machine reports it is asleep.",
			},
			[]string{"serial"}),
		setting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "setting",
				Help:      "Current value of a machine setting.",
			},
			[]string{"serial", "setting"}),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_notifications_total",
				Help:      "Cache notifications received per appliance.",
			},
			[]string{"serial"}),
		entriesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entries_loaded",
				Help:      "Number of loaded config entries.",
			}),
		subs: make(map[string]coordinator.Subscription),
		seen: make(map[string][]string),
	}

	c.registry.MustRegister(c.boilerTemperature)
	c.registry.MustRegister(c.boilerTarget)
	c.registry.MustRegister(c.machineOn)
	c.registry.MustRegister(c.machineAsleep)
	c.registry.MustRegister(c.setting)
	c.registry.MustRegister(c.updates)
	c.registry.MustRegister(c.entriesLoaded)
	return c
}

// Registry returns the registry the collector writes to
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Name() string {
	return "metrics"
}

func (c *Collector) SetupEntry(ctx context.Context, rt *entry.Runtime) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[rt.Entry.ID] = rt.Coordinator.Subscribe(c.Observe)
	for _, a := range rt.Coordinator.Appliances() {
		c.seen[rt.Entry.ID] = append(c.seen[rt.Entry.ID], a.SerialNumber)
	}
	c.entriesLoaded.Set(float64(len(c.subs)))

	c.observe(rt.Coordinator.Data(), false)
	return nil
}

func (c *Collector) UnloadEntry(ctx context.Context, rt *entry.Runtime) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[rt.Entry.ID]; ok {
		sub.Unsubscribe()
		delete(c.subs, rt.Entry.ID)
	}
	for _, serial := range c.seen[rt.Entry.ID] {
		c.forget(serial)
	}
	delete(c.seen, rt.Entry.ID)
	c.entriesLoaded.Set(float64(len(c.subs)))
	return nil
}

// Observe updates the gauges from a cache snapshot
func (c *Collector) Observe(states map[string]coordinator.State) {
	c.observe(states, true)
}

func (c *Collector) observe(states map[string]coordinator.State, count bool) {
	for serial, st := range states {
		if count {
			c.updates.WithLabelValues(serial).Inc()
		}

		c.machineOn.WithLabelValues(serial).Set(boolGauge(st.IsOn()))
		c.machineAsleep.WithLabelValues(serial).Set(boolGauge(st.IsAsleep()))

		for id, name := range boilerNames {
			boiler, ok := st.Boiler(id)
			if !ok {
				continue
			}
			c.boilerTemperature.WithLabelValues(serial, name).Set(boiler.CurrentTemp)
			c.boilerTarget.WithLabelValues(serial, name).Set(boiler.TargetTemp)
		}

		for name, value := range map[string]*int{
			"brightness":            st.Brightness,
			"work_light_brightness": st.WorkLightBrightness,
			"volume":                st.Volume,
			"grind_size":            st.GrindSize,
			"idle_time":             st.IdleTime,
		} {
			if value != nil {
				c.setting.WithLabelValues(serial, name).Set(float64(*value))
			}
		}
	}
}

func (c *Collector) forget(serial string) {
	labels := prometheus.Labels{"serial": serial}
	c.boilerTemperature.DeletePartialMatch(labels)
	c.boilerTarget.DeletePartialMatch(labels)
	c.machineOn.DeletePartialMatch(labels)
	c.machineAsleep.DeletePartialMatch(labels)
	c.setting.DeletePartialMatch(labels)
	c.updates.DeletePartialMatch(labels)
	c.logger.Debug("Removed appliance metrics", zap.String("serial", serial))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
