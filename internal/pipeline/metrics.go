package pipeline

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeResolved = "resolved"
	OutcomeLoaded   = "loaded"
	OutcomeDeclined = "declined"
	OutcomeError    = "error"
)

// Metrics counts hook invocations. One instance is shared by every pipeline
// created by a backend.
type Metrics struct {
	hookCalls    *prometheus.CounterVec
	hookDuration *prometheus.HistogramVec
}

// NewMetrics creates the hook metrics and registers them with reg. When reg
// already holds them (several backends sharing one registry), the existing
// collectors are reused. A nil registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hookCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ezburn_plugin_hook_calls_total",
				Help: "Total number of plugin hook invocations",
			},
			[]string{"hook", "plugin", "outcome"},
		),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ezburn_plugin_hook_duration_seconds",
				Help:    "Plugin hook latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"hook"},
		),
	}

	if reg != nil {
		m.hookCalls = register(reg, m.hookCalls)
		m.hookDuration = register(reg, m.hookDuration)
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) observe(hook string, plugin string, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.hookCalls.WithLabelValues(hook, plugin, outcome).Inc()
	m.hookDuration.WithLabelValues(hook).Observe(seconds)
}

// HookCalls exposes the call counter for inspection.
func (m *Metrics) HookCalls() *prometheus.CounterVec {
	return m.hookCalls
}
