// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the delivery pipeline's prometheus collectors. All
// collectors are registered on a private registry so tests can create
// trackers freely.
type Metrics struct {
	registry *prometheus.Registry

	Transitions         *prometheus.CounterVec
	DeliveryLatency     prometheus.Histogram
	DroppedTransitions  prometheus.Counter
	CircuitState        *prometheus.GaugeVec
	RateLimiterDegraded prometheus.Gauge
	IntakeAccepted      prometheus.Counter
	IntakeRejected      *prometheus.CounterVec
}

// NewMetrics creates the collector set on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_status_transitions_total",
				Help: "Total delivery state transitions by status",
			},
			[]string{"status"},
		),
		DeliveryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "delivery_latency_seconds",
				Help:    "Queued to delivered latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		DroppedTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "delivery_tracker_dropped_transitions_total",
				Help: "Transitions dropped because the tracker was saturated",
			},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit breaker state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		RateLimiterDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rate_limiter_degraded",
				Help: "Whether the shared rate limiter backend is unavailable (1 = degraded)",
			},
		),
		IntakeAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "delivery_intake_accepted_total",
				Help: "Event files accepted and enqueued",
			},
		),
		IntakeRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_intake_rejected_total",
				Help: "Event files rejected by the intake, by reason",
			},
			[]string{"reason"},
		),
	}
	m.registry.MustRegister(
		m.Transitions,
		m.DeliveryLatency,
		m.DroppedTransitions,
		m.CircuitState,
		m.RateLimiterDegraded,
		m.IntakeAccepted,
		m.IntakeRejected,
	)
	return m
}

// Registry returns the underlying registry for exposition and for
// registering gauge functions over external state (queue depths,
// delivery rate)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGaugeFunc attaches a pull-style gauge to the registry
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		fn,
	))
}
