// Package metrics holds the prometheus collectors of one engine instance.
//
// Collectors are registered on a private registry so several engines (tabs)
// can live in one process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadsync"

// Metrics groups the collectors updated by the sync services.
type Metrics struct {
	registry *prometheus.Registry

	busEvents      *prometheus.CounterVec
	handlerPanics  prometheus.Counter
	ops            *prometheus.CounterVec
	batches        *prometheus.CounterVec
	feedEvents     *prometheus.CounterVec
	feedReconnects prometheus.Counter
	streamAppends  prometheus.Counter
	envelopes      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_total",
			Help: "Change bus events by kind and outcome (published, coalesced, skipped).",
		}, []string{"kind", "outcome"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_panics_total",
			Help: "Subscriber handlers that panicked.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "ops_total",
			Help: "Remote operations by collection, kind and outcome.",
		}, []string{"collection", "kind", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "batches_total",
			Help: "Drained batches by result.",
		}, []string{"result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "events_total",
			Help: "Change-feed events by collection and outcome.",
		}, []string{"collection", "outcome"}),
		feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Change-feed subscriptions re-established after a drop.",
		}),
		streamAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "appends_total",
			Help: "Streaming text appends.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "envelopes_total",
			Help: "Cross-tab envelopes by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}

	m.registry.MustRegister(
		m.busEvents, m.handlerPanics,
		m.ops, m.batches,
		m.feedEvents, m.feedReconnects,
		m.streamAppends, m.envelopes,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) BusEvent(kind, outcome string) {
	if m != nil {
		m.busEvents.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) HandlerPanic() {
	if m != nil {
		m.handlerPanics.Inc()
	}
}

func (m *Metrics) Op(collection, kind, outcome string) {
	if m != nil {
		m.ops.WithLabelValues(collection, kind, outcome).Inc()
	}
}

func (m *Metrics) Batch(result string) {
	if m != nil {
		m.batches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FeedEvent(collection, outcome string) {
	if m != nil {
		m.feedEvents.WithLabelValues(collection, outcome).Inc()
	}
}

func (m *Metrics) FeedReconnect() {
	if m != nil {
		m.feedReconnects.Inc()
	}
}

func (m *Metrics) StreamAppend() {
	if m != nil {
		m.streamAppends.Inc()
	}
}

func (m *Metrics) Envelope(direction, outcome string) {
	if m != nil {
		m.envelopes.WithLabelValues(direction, outcome).Inc()
	}
}
