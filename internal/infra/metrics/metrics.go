// Package metrics provides Prometheus metrics for the trainer:
// counters, gauges, and histograms for packets, model growth, the
// target edge, and the sample pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Packets ────────────────────────────────────────────────────────────────

// PacketsReceived counts head-side packets by taxonomy outcome.
var PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "harrier",
	Name:      "packets_received_total",
	Help:      "Packets received by the head, labelled by classification.",
}, []string{"type"})

// PacketsDropped counts frames that could not be decoded or queued.
var PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "harrier",
	Name:      "packets_dropped_total",
	Help:      "Inbound frames dropped before classification.",
})

// BroadcastsSent counts model broadcasts to workers.
var BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "harrier",
	Name:      "broadcasts_sent_total",
	Help:      "Model broadcasts sent to workers.",
})

// ─── Model ──────────────────────────────────────────────────────────────────

// ModelSize tracks the number of nodes in the global model.
var ModelSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "harrier",
	Name:      "model_size_nodes",
	Help:      "Nodes in the global model.",
})

// NodesAccepted counts accepted node extensions.
var NodesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "harrier",
	Name:      "nodes_accepted_total",
	Help:      "Accepted node extensions by kind.",
}, []string{"kind"})

// ─── Edge ───────────────────────────────────────────────────────────────────

// CurrentGamma tracks the non-root target edge.
var CurrentGamma = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "harrier",
	Name:      "gamma_current",
	Help:      "Current non-root target edge.",
})

// CurrentRootGamma tracks the new-tree target edge.
var CurrentRootGamma = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "harrier",
	Name:      "root_gamma_current",
	Help:      "Current new-tree target edge.",
})

// ─── Worker ─────────────────────────────────────────────────────────────────

// BatchesServed counts batches pulled from the buffer loader.
var BatchesServed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "harrier",
	Name:      "batches_served_total",
	Help:      "Batches served to the weak learner.",
})

// BufferESS tracks the effective sample size of the live buffer.
var BufferESS = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "harrier",
	Name:      "buffer_ess",
	Help:      "Effective sample size of the live buffer.",
})

// SampleVersion tracks the worker's current sample version.
var SampleVersion = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "harrier",
	Name:      "sample_version",
	Help:      "Sample version of the live buffer.",
})

// PacketRoundtrip tracks seconds from packet send to the broadcast
// that acknowledges it.
var PacketRoundtrip = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "harrier",
	Name:      "packet_roundtrip_seconds",
	Help:      "Time from packet send to model acknowledgement.",
	Buckets:   prometheus.DefBuckets,
})
