// Package metrics implements Prometheus metrics and the HTTP surface that
// exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts link-layer packets read by a capture source
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_capture_packets_total",
			Help: "Total number of packets read from the capture source",
		},
		[]string{"source"},
	)

	// CaptureDropsTotal counts packets the kernel or decoder dropped
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_capture_drops_total",
			Help: "Total number of packets dropped before parsing",
		},
		[]string{"source", "stage"},
	)

	// FramesReadTotal counts transport payloads handed to the parser
	FramesReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_wire_frames_total",
			Help: "Total number of transport frames delivered by the wire reader",
		},
		[]string{"transport"},
	)

	// ParseErrorsTotal counts malformed frames by offending field
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_parse_errors_total",
			Help: "Total number of frames rejected by the SIP parser",
		},
		[]string{"field"},
	)

	// OrphansTotal counts messages for unknown or retired Call-IDs
	OrphansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracevia_tracker_orphans_total",
			Help: "Total number of orphaned messages ignored by the tracker",
		},
	)

	// RetransmissionsTotal counts messages dropped as retransmissions
	RetransmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracevia_tracker_retransmissions_total",
			Help: "Total number of retransmitted messages dropped by the tracker",
		},
	)

	// TransitionsTotal counts dialog state changes by target state
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_tracker_transitions_total",
			Help: "Total number of dialog state transitions",
		},
		[]string{"state"},
	)

	// LiveDialogs tracks dialogs currently held by the tracker
	LiveDialogs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracevia_tracker_live_dialogs",
			Help: "Number of dialogs in the live set",
		},
	)

	// ApplyLatencySeconds measures the time to apply one message
	ApplyLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracevia_tracker_apply_latency_seconds",
			Help:    "Latency of applying one message to the tracker in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// FramesEmittedTotal counts frames produced per surface
	FramesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_emitter_frames_total",
			Help: "Total number of frames produced by the emitter",
		},
		[]string{"surface"},
	)

	// FramesDroppedTotal counts frames superseded before the sink read them
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_emitter_frames_dropped_total",
			Help: "Total number of frames replaced by a newer frame before delivery",
		},
		[]string{"surface"},
	)

	// ReporterErrorsTotal counts reporter errors by name
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_reporter_errors_total",
			Help: "Total number of reporter errors",
		},
		[]string{"reporter"},
	)

	// WebsocketClients tracks connected browser clients
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracevia_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// AMIEventsTotal counts extension status events by status text
	AMIEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracevia_ami_events_total",
			Help: "Total number of AMI extension status events",
		},
		[]string{"status"},
	)
)
