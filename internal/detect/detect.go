// Package detect defines the detection input types and the gate that
// validates and normalises per-frame detection batches before they reach
// the track manager. Malformed detections are dropped and counted, never
// fatal; a whole batch is rejected only on timestamp regression.
package detect

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Class is the object class label attached by the upstream detector.
type Class string

const (
	ClassPerson  Class = "person"
	ClassVehicle Class = "vehicle"
	ClassCyclist Class = "cyclist"
	ClassUnknown Class = "unknown"
)

// ParseClass maps a detector label onto the recognised enum. ok is false
// for labels outside the enum; such detections are dropped by the gate.
func ParseClass(s string) (Class, bool) {
	switch Class(s) {
	case ClassPerson, ClassVehicle, ClassCyclist, ClassUnknown:
		return Class(s), true
	}
	return "", false
}

// Detection is one object in one frame, already expressed in the common
// ground coordinate frame by the upstream pipeline. Ephemeral: consumed
// once per frame and never persisted.
type Detection struct {
	SensorID   string  `json:"sensor_id"`
	Class      Class   `json:"class"`
	Confidence float64 `json:"confidence"`

	// Centroid (ground frame, metres)
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	// Axis-aligned extent (metres)
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
	DZ float64 `json:"dz"`
}

// FrameBatch is one sensor frame: every detection the detector produced
// at one timestamp. An empty Detections slice is a valid heartbeat frame
// and still advances track coasting and expiry.
type FrameBatch struct {
	SensorID   string      `json:"sensor_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// ErrOutOfOrderFrame reports a timestamp regression on a sensor stream.
// The frame is rejected wholesale; upstream clock issues are not locally
// correctable. Replaying an already-processed timestamp hits the same
// check, which is what makes frame replay idempotent.
var ErrOutOfOrderFrame = errors.New("out-of-order frame")

// GateStats counts per-frame gate outcomes, broken down by drop reason.
// Observability only — drops are never failures.
type GateStats struct {
	Accepted      int
	LowConfidence int
	NonFinite     int
	OutOfRange    int
	BadClass      int
}

// Dropped returns the total detections dropped this frame.
func (s GateStats) Dropped() int {
	return s.LowConfidence + s.NonFinite + s.OutOfRange + s.BadClass
}

// GateConfig holds the validation bounds for incoming detections.
type GateConfig struct {
	MinConfidence    float64 // floor; exactly at the floor is retained
	MaxAbsCoordinate float64 // |x|,|y|,|z| above this are out of declared range
	MaxExtent        float64 // dx,dy,dz above this are implausible
}

// Gate validates incoming frames. It tracks the last accepted timestamp
// per sensor stream so the coasting math downstream can rely on strictly
// increasing time.
type Gate struct {
	config GateConfig

	mu     sync.Mutex
	lastTS map[string]time.Time
}

// NewGate creates a gate with the given validation bounds.
func NewGate(config GateConfig) *Gate {
	return &Gate{
		config: config,
		lastTS: make(map[string]time.Time),
	}
}

// Normalize validates a frame batch. It returns the surviving detections
// and drop counts. The only error is ErrOutOfOrderFrame (wrapped with the
// offending timestamps), on which the whole batch is rejected and the
// sensor's clock position is left unchanged.
func (g *Gate) Normalize(batch FrameBatch) ([]Detection, GateStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats GateStats

	if last, ok := g.lastTS[batch.SensorID]; ok && !batch.Timestamp.After(last) {
		return nil, stats, fmt.Errorf("%w: sensor %s frame %s <= last %s",
			ErrOutOfOrderFrame, batch.SensorID, batch.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	g.lastTS[batch.SensorID] = batch.Timestamp

	valid := make([]Detection, 0, len(batch.Detections))
	for _, d := range batch.Detections {
		switch {
		case d.Confidence < g.config.MinConfidence:
			stats.LowConfidence++
		case !finite(d.Confidence, d.X, d.Y, d.Z, d.DX, d.DY, d.DZ):
			stats.NonFinite++
		case d.Confidence > 1 ||
			math.Abs(d.X) > g.config.MaxAbsCoordinate ||
			math.Abs(d.Y) > g.config.MaxAbsCoordinate ||
			math.Abs(d.Z) > g.config.MaxAbsCoordinate ||
			d.DX < 0 || d.DY < 0 || d.DZ < 0 ||
			d.DX > g.config.MaxExtent || d.DY > g.config.MaxExtent || d.DZ > g.config.MaxExtent:
			stats.OutOfRange++
		default:
			class, ok := ParseClass(string(d.Class))
			if !ok {
				stats.BadClass++
				continue
			}
			d.Class = class
			if d.SensorID == "" {
				d.SensorID = batch.SensorID
			}
			valid = append(valid, d)
		}
	}
	stats.Accepted = len(valid)
	return valid, stats, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
