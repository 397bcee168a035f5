// Package macmetrics exposes Prometheus collectors for the MAC layer,
// mirroring the GaugeVec-per-concern layout the rest of the fleet uses for
// its own telemetry.
package macmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MAC holds the Prometheus collectors shared by the CSMA/CA and TDMA MACs.
// All vectors are labeled by "mac" and "protocol" so a single registry can
// host both at once. The MACs set mac to their src address string and
// protocol to "csma" or "tdma"; the frame buffer sets mac to its
// WithMetrics tag and protocol to "buffer" on BufferDepth and
// BufferOverflows.
type MAC struct {
	FramesTransmitted *prometheus.CounterVec
	FramesAcked       *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Retransmits       *prometheus.CounterVec
	ContentionWindow  *prometheus.GaugeVec
	BufferDepth       *prometheus.GaugeVec
	BufferOverflows   *prometheus.CounterVec
	CarrierBusy       *prometheus.CounterVec
}

// New registers a MAC metrics bundle against reg. Passing a fresh registry
// per instance (rather than the global DefaultRegisterer) keeps repeated
// New calls in tests from colliding on duplicate registration.
func New(reg prometheus.Registerer) *MAC {
	labels := []string{"mac", "protocol"}
	return &MAC{
		FramesTransmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "frames_transmitted_total",
			Help:      "PHY emissions, including retransmits and broadcasts.",
		}, labels),
		FramesAcked: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "frames_acked_total",
			Help:      "Frames that completed their send loop with acked=true.",
		}, labels),
		FramesDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped after exhausting retries.",
		}, labels),
		Retransmits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "retransmits_total",
			Help:      "Retransmission attempts beyond the first.",
		}, labels),
		ContentionWindow: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sdrmac",
			Name:      "contention_window",
			Help:      "Current CSMA/CA contention window (cw).",
		}, labels),
		BufferDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sdrmac",
			Name:      "buffer_depth",
			Help:      "Current transmit queue depth.",
		}, labels),
		BufferOverflows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "buffer_overflows_total",
			Help:      "Pushes onto a full transmit queue, each evicting the oldest frame.",
		}, labels),
		CarrierBusy: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrmac",
			Name:      "carrier_busy_total",
			Help:      "Carrier-sense requests that reported a busy medium.",
		}, labels),
	}
}
