// Package metrics exposes the engine's observability counters. Drops and
// invariant violations are signals, never failures; everything here is
// read-only reporting on a private prometheus registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine counters.
type Metrics struct {
	// Detection gate
	DetectionsAccepted atomic.Uint64
	DetectionsDropped  atomic.Uint64
	FramesRejected     atomic.Uint64 // out-of-order frames, rejected wholesale

	// Pipeline
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64 // backpressure: oldest unprocessed frame discarded

	// Tracking
	TracksCreated       atomic.Uint64
	TracksConfirmed     atomic.Uint64
	TracksRemoved       atomic.Uint64
	InvariantViolations atomic.Uint64

	// Alerts
	AlertsOpened atomic.Uint64
	AlertsClosed atomic.Uint64
	Transitions  atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its prometheus collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		read func() uint64
	}{
		{"perimeter_detections_accepted_total", "Detections passed by the gate", m.DetectionsAccepted.Load},
		{"perimeter_detections_dropped_total", "Detections dropped by the gate", m.DetectionsDropped.Load},
		{"perimeter_frames_rejected_total", "Frames rejected for timestamp regression", m.FramesRejected.Load},
		{"perimeter_frames_processed_total", "Frames run through the pipeline", m.FramesProcessed.Load},
		{"perimeter_frames_dropped_total", "Frames dropped under backpressure", m.FramesDropped.Load},
		{"perimeter_tracks_created_total", "Candidate tracks spawned", m.TracksCreated.Load},
		{"perimeter_tracks_confirmed_total", "Candidates promoted to active", m.TracksConfirmed.Load},
		{"perimeter_tracks_removed_total", "Active tracks removed", m.TracksRemoved.Load},
		{"perimeter_invariant_violations_total", "Discarded per-track associations", m.InvariantViolations.Load},
		{"perimeter_alerts_opened_total", "Alert episodes opened", m.AlertsOpened.Load},
		{"perimeter_alerts_closed_total", "Alert episodes closed", m.AlertsClosed.Load},
		{"perimeter_alert_transitions_total", "Alert level transitions emitted", m.Transitions.Load},
	}
	for _, g := range gauges {
		read := g.read
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(read()) },
		))
	}
}

// Handler returns an HTTP handler serving the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
