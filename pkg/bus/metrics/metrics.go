// Package metrics exposes the bus's Prometheus collectors. The engine
// updates these as a side effect of normal operation, including from
// the pending tracker's callbacks; nothing in the bus ever reads a
// metric to decide behavior.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the bus registers. A nil *Metrics is
// valid everywhere it is used (all methods are nil-receiver safe), so
// callers that do not want metrics can simply not construct one.
type Metrics struct {
	PendingEntries     prometheus.Gauge
	DeadLettersTotal   prometheus.Counter
	MessagesPublished  *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	DedupDropsTotal    prometheus.Counter
	PeersKnown         prometheus.Gauge
}

// New constructs and registers every collector against reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global
// registry.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		PendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_entries",
			Help:      "Number of reliable sends currently awaiting an ack.",
		}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total reliable sends that exhausted their retry budget.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total messages published, by qos.",
		}, []string{"qos"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound messages accepted after dedup, by qos.",
		}, []string{"qos"}),
		DedupDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_drops_total",
			Help:      "Total inbound messages dropped as duplicates.",
		}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers currently in the peer table.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.PendingEntries, m.DeadLettersTotal, m.MessagesPublished, m.MessagesReceived, m.DedupDropsTotal, m.PeersKnown)
	}
	return m
}

// SetPending, IncDeadLetter, IncPublished, IncReceived, IncDedupDrop
// and SetPeersKnown are the nil-safe entry points the engine calls; a
// nil *Metrics makes every call a no-op.

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingEntries.Set(float64(n))
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Inc()
}

func (m *Metrics) IncPublished(qos string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(qos).Inc()
}

func (m *Metrics) IncReceived(qos string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(qos).Inc()
}

func (m *Metrics) IncDedupDrop() {
	if m == nil {
		return
	}
	m.DedupDropsTotal.Inc()
}

func (m *Metrics) SetPeersKnown(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}
