// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "feedmux"
	sourceSubsystem  = "source"
)

// Metrics is the prometheus implementation of MetricsCollector.
type Metrics struct {
	sources     prometheus.Gauge
	subscribers *prometheus.GaugeVec
	events      *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

// NewMetrics creates the collectors for source activity.
func NewMetrics() *Metrics {
	return &Metrics{
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sourceSubsystem,
			Name:      "sources_active",
			Help:      "Number of live changefeed sources.",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sourceSubsystem,
			Name:      "subscribers",
			Help:      "Number of attached subscribers per view.",
		}, []string{"view"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sourceSubsystem,
			Name:      "events_total",
			Help:      "Change events broadcast, by view and operation.",
		}, []string{"view", "op"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sourceSubsystem,
			Name:      "subscriber_queue_depth",
			Help:      "Undelivered events across subscriber queues per view.",
		}, []string{"view"}),
	}
}

// SourcesInc is part of the MetricsCollector interface.
func (m *Metrics) SourcesInc() {
	m.sources.Inc()
}

// SourcesDec is part of the MetricsCollector interface.
func (m *Metrics) SourcesDec() {
	m.sources.Dec()
}

// SubscribersInc is part of the MetricsCollector interface.
func (m *Metrics) SubscribersInc(view string) {
	m.subscribers.WithLabelValues(view).Inc()
}

// SubscribersDec is part of the MetricsCollector interface.
func (m *Metrics) SubscribersDec(view string) {
	m.subscribers.WithLabelValues(view).Dec()
}

// EventsInc is part of the MetricsCollector interface.
func (m *Metrics) EventsInc(view, op string) {
	m.events.WithLabelValues(view, op).Inc()
}

// QueueAdd is part of the MetricsCollector interface.
func (m *Metrics) QueueAdd(view string, delta float64) {
	m.queueDepth.WithLabelValues(view).Add(delta)
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.sources.Describe(ch)
	m.subscribers.Describe(ch)
	m.events.Describe(ch)
	m.queueDepth.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.sources.Collect(ch)
	m.subscribers.Collect(ch)
	m.events.Collect(ch)
	m.queueDepth.Collect(ch)
}
