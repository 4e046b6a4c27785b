// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package trigger

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "feedmux"
	triggerSubsystem = "trigger"
)

// Metrics is the prometheus implementation of MetricsCollector.
type Metrics struct {
	triggers *prometheus.GaugeVec
	webhooks *prometheus.CounterVec
}

// NewMetrics creates the collectors for trigger activity.
func NewMetrics() *Metrics {
	return &Metrics{
		triggers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: triggerSubsystem,
			Name:      "registered",
			Help:      "Registered triggers per view.",
		}, []string{"view"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: triggerSubsystem,
			Name:      "webhook_posts_total",
			Help:      "Webhook deliveries, by view and result.",
		}, []string{"view", "result"}),
	}
}

// TriggersInc is part of the MetricsCollector interface.
func (m *Metrics) TriggersInc(view string) {
	m.triggers.WithLabelValues(view).Inc()
}

// TriggersDec is part of the MetricsCollector interface.
func (m *Metrics) TriggersDec(view string) {
	m.triggers.WithLabelValues(view).Dec()
}

// WebhooksInc is part of the MetricsCollector interface.
func (m *Metrics) WebhooksInc(view, result string) {
	m.webhooks.WithLabelValues(view, result).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.triggers.Describe(ch)
	m.webhooks.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.triggers.Collect(ch)
	m.webhooks.Collect(ch)
}
