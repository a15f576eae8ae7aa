// Package pipeline wires the decision engine: detection gate → track
// manager → threat scorer → alert state machine, invoked once per frame
// on a single goroutine. Frames from multiple sensors are merged into one
// timestamp-ordered timeline through a bounded reorder buffer.
package pipeline

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stillwater-systems/perimeter/internal/alerts"
	"github.com/stillwater-systems/perimeter/internal/config"
	"github.com/stillwater-systems/perimeter/internal/detect"
	"github.com/stillwater-systems/perimeter/internal/metrics"
	"github.com/stillwater-systems/perimeter/internal/threat"
	"github.com/stillwater-systems/perimeter/internal/tracks"
	"github.com/stillwater-systems/perimeter/internal/zones"
)

// maxPendingFrames bounds the reorder buffer. Beyond it the oldest
// unprocessed frame is dropped — staleness is worse than a gap.
const maxPendingFrames = 64

// Engine is the per-frame decision pipeline. ProcessBatch may be called
// directly for synchronous use; Run drains a channel with merge buffering
// and backpressure. The engine's state is mutated only by the goroutine
// driving it.
type Engine struct {
	gate    *detect.Gate
	tracker *tracks.Tracker
	scorer  *threat.Scorer
	monitor *alerts.Monitor
	metrics *metrics.Metrics

	mergeWindow time.Duration

	// clock is the latest frame timestamp processed. Close-outs for
	// rejected frames use it so per-track event times stay monotonic.
	clock time.Time

	pending []pendingFrame

	stopOnce sync.Once
}

type pendingFrame struct {
	batch   detect.FrameBatch
	arrived time.Time
}

// New builds an engine from tuning config and a zone registry, publishing
// alert transitions to the given sinks.
func New(cfg *config.TuningConfig, registry *zones.Registry, m *metrics.Metrics, sinks ...alerts.Sink) *Engine {
	e := &Engine{
		gate: detect.NewGate(detect.GateConfig{
			MinConfidence:    cfg.GetMinConfidence(),
			MaxAbsCoordinate: cfg.GetMaxAbsCoordinateMeters(),
			MaxExtent:        cfg.GetMaxExtentMeters(),
		}),
		tracker:     tracks.NewTracker(tracks.TrackerConfigFromTuning(cfg)),
		scorer:      threat.NewScorer(threat.ScorerConfigFromTuning(cfg), registry),
		monitor:     nil,
		metrics:     m,
		mergeWindow: cfg.GetMergeWindow(),
	}
	counted := append([]alerts.Sink{alerts.SinkFunc(e.countTransition)}, sinks...)
	e.monitor = alerts.NewMonitor(alerts.MonitorConfigFromTuning(cfg), counted...)
	return e
}

func (e *Engine) countTransition(t alerts.Transition) {
	e.metrics.Transitions.Add(1)
	if t.Previous == alerts.LevelSafe && t.New > alerts.LevelSafe {
		e.metrics.AlertsOpened.Add(1)
	}
	if t.New == alerts.LevelSafe {
		e.metrics.AlertsClosed.Add(1)
	}
}

// ProcessBatch runs one frame through the pipeline. An empty batch is a
// valid heartbeat: coasting and expiry still advance. The only error is
// a rejected out-of-order frame; it is reported, never fatal, and leaves
// every track and alert untouched — replaying an already-processed frame
// is a no-op.
func (e *Engine) ProcessBatch(batch detect.FrameBatch) error {
	valid, stats, err := e.gate.Normalize(batch)
	e.metrics.DetectionsAccepted.Add(uint64(stats.Accepted))
	e.metrics.DetectionsDropped.Add(uint64(stats.Dropped()))
	if err != nil {
		e.metrics.FramesRejected.Add(1)
		return err
	}
	if stats.Dropped() > 0 {
		log.Printf("gate: dropped %d of %d detections (sensor %s)",
			stats.Dropped(), len(batch.Detections), batch.SensorID)
	}

	if batch.Timestamp.After(e.clock) {
		e.clock = batch.Timestamp
	}

	result := e.tracker.Update(batch.Timestamp, valid)
	e.metrics.FramesProcessed.Add(1)
	e.metrics.TracksCreated.Add(uint64(result.Created))
	e.metrics.TracksConfirmed.Add(uint64(result.Confirmed))
	e.metrics.TracksRemoved.Add(uint64(len(result.Removed)))
	e.metrics.InvariantViolations.Add(uint64(result.InvariantViolations))

	for _, removed := range result.Removed {
		e.monitor.TrackRemoved(removed.TrackID, batch.Timestamp)
	}
	for _, track := range result.Active {
		e.monitor.ObserveScore(e.scorer.Score(track, batch.Timestamp))
	}
	e.monitor.EndFrame(batch.Timestamp)
	return nil
}

// advanceWithoutData ages tracks and alert machines when a frame was
// skipped, so a sustained absence of data still decays everything to SAFE.
func (e *Engine) advanceWithoutData(ts time.Time) {
	for _, removed := range e.tracker.AdvanceMisses(ts) {
		e.monitor.TrackRemoved(removed.TrackID, ts)
	}
	e.monitor.EndFrame(ts)
}

// Run drains batches from in until the context is cancelled or the
// channel closes, then flushes the buffer and stops. Batches are held in
// a bounded reorder buffer for up to the merge window so multiple sensor
// streams form one timestamp-ordered timeline.
func (e *Engine) Run(ctx context.Context, in <-chan detect.FrameBatch) {
	ticker := time.NewTicker(e.mergeWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainBuffer()
			e.Stop()
			return
		case batch, ok := <-in:
			if !ok {
				e.drainBuffer()
				e.Stop()
				return
			}
			e.enqueue(batch)
			// Take everything already waiting before processing, so a
			// burst of interleaved sensor frames sorts in one pass.
			for {
				select {
				case more, ok := <-in:
					if !ok {
						e.drainBuffer()
						e.Stop()
						return
					}
					e.enqueue(more)
					continue
				default:
				}
				break
			}
			e.flushAged(time.Now())
		case now := <-ticker.C:
			e.flushAged(now)
		}
	}
}

// enqueue inserts a batch into the reorder buffer, keeping it sorted by
// frame timestamp. If the buffer is full the oldest frame is dropped and
// counted — never silently.
func (e *Engine) enqueue(batch detect.FrameBatch) {
	e.pending = append(e.pending, pendingFrame{batch: batch, arrived: time.Now()})
	sort.SliceStable(e.pending, func(i, j int) bool {
		return e.pending[i].batch.Timestamp.Before(e.pending[j].batch.Timestamp)
	})
	for len(e.pending) > maxPendingFrames {
		dropped := e.pending[0]
		e.pending = e.pending[1:]
		e.metrics.FramesDropped.Add(1)
		log.Printf("pipeline: backpressure, dropped frame %s from sensor %s",
			dropped.batch.Timestamp.Format(time.RFC3339Nano), dropped.batch.SensorID)
		e.advanceWithoutData(e.clock)
	}
}

// flushAged processes buffered frames that have waited out the merge
// window. Later frames stay buffered in case an interleaved sensor stream
// delivers an earlier timestamp.
func (e *Engine) flushAged(now time.Time) {
	cut := 0
	for cut < len(e.pending) && now.Sub(e.pending[cut].arrived) >= e.mergeWindow {
		cut++
	}
	for _, p := range e.pending[:cut] {
		if err := e.ProcessBatch(p.batch); err != nil {
			log.Printf("pipeline: %v", err)
		}
	}
	e.pending = e.pending[cut:]
}

// drainBuffer processes everything left in the reorder buffer in order.
func (e *Engine) drainBuffer() {
	for _, p := range e.pending {
		if err := e.ProcessBatch(p.batch); err != nil {
			log.Printf("pipeline: %v", err)
		}
	}
	e.pending = nil
}

// Stop flushes every open alert with a synthetic close-out at the last
// processed timestamp, so stopping the pipeline never leaves an Alert
// dangling. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		ts := e.clock
		if ts.IsZero() {
			ts = time.Now()
		}
		e.monitor.Flush(ts)
	})
}

// Tracker exposes the track manager for inspection (track counts, active
// snapshots). Read-only use from other goroutines is safe.
func (e *Engine) Tracker() *tracks.Tracker {
	return e.tracker
}

// Monitor exposes the alert monitor for inspection.
func (e *Engine) Monitor() *alerts.Monitor {
	return e.monitor
}
