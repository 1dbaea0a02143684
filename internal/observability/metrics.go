// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/visorhq/visor/internal/plugin"
)

// Metrics holds the plugin runtime collectors.
type Metrics struct {
	Instances *prometheus.GaugeVec
	Errors    *prometheus.CounterVec
	Ticks     *prometheus.CounterVec
	Jobs      *prometheus.CounterVec
	Messages  *prometheus.CounterVec
}

// NewMetrics creates and registers the plugin runtime collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "visor_plugin_instances",
				Help: "Number of plugin instances by lifecycle state",
			},
			[]string{"state"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_plugin_errors_total",
				Help: "Total number of plugin errors by plugin and kind",
			},
			[]string{"plugin", "kind"},
		),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_plugin_ticks_total",
				Help: "Total number of event loop ticks by plugin",
			},
			[]string{"plugin"},
		),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_plugin_jobs_total",
				Help: "Total number of pending jobs drained by plugin",
			},
			[]string{"plugin"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_plugin_messages_total",
				Help: "Total number of bus messages published by plugin",
			},
			[]string{"plugin"},
		),
	}

	reg.MustRegister(m.Instances, m.Errors, m.Ticks, m.Jobs, m.Messages)

	// Every state is exported from the start so dashboards see zeros.
	for _, s := range plugin.States() {
		m.Instances.WithLabelValues(s.String())
	}
	return m
}

// For returns a plugin.Metrics that records under the given plugin name.
func (m *Metrics) For(pluginName string) plugin.Metrics {
	return &pluginMetrics{m: m, name: pluginName}
}

type pluginMetrics struct {
	m    *Metrics
	name string
}

func (p *pluginMetrics) StateChanged(from, to plugin.State) {
	if from != to && from != plugin.StateUninitialized {
		p.m.Instances.WithLabelValues(from.String()).Dec()
	}
	p.m.Instances.WithLabelValues(to.String()).Inc()
}

func (p *pluginMetrics) Error(kind string) {
	p.m.Errors.WithLabelValues(p.name, kind).Inc()
}

func (p *pluginMetrics) Tick(jobs int) {
	p.m.Ticks.WithLabelValues(p.name).Inc()
	if jobs > 0 {
		p.m.Jobs.WithLabelValues(p.name).Add(float64(jobs))
	}
}

func (p *pluginMetrics) Message() {
	p.m.Messages.WithLabelValues(p.name).Inc()
}
