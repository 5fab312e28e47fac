// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics instruments the registry: a gauge of attached entities
// per kind and a counter of attach requests per kind and result.
//
// Metrics are opt-in via [Config.Metrics]; all methods are safe on a
// nil receiver so the registry never branches on the setting.
type serverMetrics struct {
	entities *prometheus.GaugeVec
	attaches *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		return nil
	}
	m := &serverMetrics{
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blackbox2",
			Subsystem: "server",
			Name:      "attached_entities",
			Help:      "Entities currently attached to the registry, by kind.",
		}, []string{"kind"}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackbox2",
			Subsystem: "server",
			Name:      "attach_requests_total",
			Help:      "Attach requests served, by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(m.entities, m.attaches)
	return m
}

func (m *serverMetrics) attachResult(kind string, result Result) {
	if m == nil {
		return
	}
	m.attaches.WithLabelValues(kind, result.String()).Inc()
}

func (m *serverMetrics) entityDelta(kind string, delta float64) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(kind).Add(delta)
}
