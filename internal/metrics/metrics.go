// Package metrics exposes Prometheus counters/gauges for the engine.
//
// Grounded on the retrieval pack's NFSv4 connection-metrics pattern
// (register-or-reuse against a Registerer, nil-safe on every method so
// an endpoint built without metrics wiring still runs).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine bundles all counters/gauges for one process. A nil *Engine is
// valid and every method on it is a no-op.
type Engine struct {
	DroppedPackets   *prometheus.CounterVec
	RingFullEvents   *prometheus.CounterVec
	Resends          *prometheus.CounterVec
	ThrottledSends   prometheus.Gauge
	PullBlocksInFlight prometheus.Gauge
	RegionsActive    prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
}

// New creates and registers engine metrics. If reg is nil the collectors
// are still created but never registered, which is useful for unit tests
// that only want to assert on counter values directly.
func New(reg prometheus.Registerer) *Engine {
	e := &Engine{
		DroppedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omx",
			Name:      "dropped_packets_total",
			Help:      "Packets silently dropped on decode/validation failure, by reason.",
		}, []string{"reason"}),
		RingFullEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omx",
			Name:      "ring_full_total",
			Help:      "Event-ring overflow occurrences, by ring.",
		}, []string{"ring"}),
		Resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omx",
			Name:      "resends_total",
			Help:      "Requests re-posted by the retransmission scanner, by strategy.",
		}, []string{"strategy"}),
		ThrottledSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omx",
			Name:      "throttled_sends",
			Help:      "Sends currently parked on a partner's throttled list.",
		}),
		PullBlocksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omx",
			Name:      "pull_blocks_in_flight",
			Help:      "Rendezvous pull blocks currently awaiting replies.",
		}),
		RegionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omx",
			Name:      "regions_active",
			Help:      "Pinned regions currently registered.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omx",
			Name:      "events_published_total",
			Help:      "Events published into a ring, by ring and type.",
		}, []string{"ring", "type"}),
	}

	if reg != nil {
		e.DroppedPackets = registerOrReuse(reg, e.DroppedPackets).(*prometheus.CounterVec)
		e.RingFullEvents = registerOrReuse(reg, e.RingFullEvents).(*prometheus.CounterVec)
		e.Resends = registerOrReuse(reg, e.Resends).(*prometheus.CounterVec)
		e.ThrottledSends = registerOrReuse(reg, e.ThrottledSends).(prometheus.Gauge)
		e.PullBlocksInFlight = registerOrReuse(reg, e.PullBlocksInFlight).(prometheus.Gauge)
		e.RegionsActive = registerOrReuse(reg, e.RegionsActive).(prometheus.Gauge)
		e.EventsPublished = registerOrReuse(reg, e.EventsPublished).(*prometheus.CounterVec)
	}
	return e
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func (e *Engine) dropped(reason string) {
	if e == nil {
		return
	}
	e.DroppedPackets.WithLabelValues(reason).Inc()
}

// Dropped records a packet dropped during decode/validation.
func (e *Engine) Dropped(reason string) { e.dropped(reason) }

// RingFull records a ring-overflow occurrence.
func (e *Engine) RingFull(ring string) {
	if e == nil {
		return
	}
	e.RingFullEvents.WithLabelValues(ring).Inc()
}

// Resend records a retransmission by strategy name.
func (e *Engine) Resend(strategy string) {
	if e == nil {
		return
	}
	e.Resends.WithLabelValues(strategy).Inc()
}

// SetThrottled updates the throttled-sends gauge.
func (e *Engine) SetThrottled(n int) {
	if e == nil {
		return
	}
	e.ThrottledSends.Set(float64(n))
}

// SetPullBlocksInFlight updates the pull-blocks-in-flight gauge.
func (e *Engine) SetPullBlocksInFlight(n int) {
	if e == nil {
		return
	}
	e.PullBlocksInFlight.Set(float64(n))
}

// SetRegionsActive updates the active-regions gauge.
func (e *Engine) SetRegionsActive(n int) {
	if e == nil {
		return
	}
	e.RegionsActive.Set(float64(n))
}

// EventPublished records an event published into a ring.
func (e *Engine) EventPublished(ring, typ string) {
	if e == nil {
		return
	}
	e.EventsPublished.WithLabelValues(ring, typ).Inc()
}
