// Package tracks associates per-frame detections into persistent tracks.
// The tracker owns the live-track table; it is mutated only by the
// pipeline goroutine processing the current frame.
package tracks

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/stillwater-systems/perimeter/internal/config"
	"github.com/stillwater-systems/perimeter/internal/detect"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	// TrackCandidate is a newborn track awaiting confirmation. Candidates
	// are invisible to the scorer and the alert machinery.
	TrackCandidate TrackState = "candidate"
	// TrackActive is a confirmed track.
	TrackActive TrackState = "active"
	// TrackDead is a removed track (miss timeout or invariant reset).
	TrackDead TrackState = "dead"
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	MaxAssociationDistance float64 // Base gating distance (metres); widened per detection extent
	ConfirmationFrames     int     // Consecutive matched frames before a candidate becomes active
	MissTimeoutFrames      int     // Consecutive misses before removal
	HistoryLength          int     // Bounded detection history per track (velocity + class vote window)
	MaxReasonableSpeedMps  float64 // Implied speeds above this reject an association
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		MaxAssociationDistance: cfg.GetMaxAssociationDistance(),
		ConfirmationFrames:     cfg.GetConfirmationFrames(),
		MissTimeoutFrames:      cfg.GetMissTimeoutFrames(),
		HistoryLength:          cfg.GetHistoryLength(),
		MaxReasonableSpeedMps:  cfg.GetMaxReasonableSpeedMps(),
	}
}

// TrackPoint is a single accepted (or coasted) position in a track's history.
type TrackPoint struct {
	X         float64
	Y         float64
	Z         float64
	Timestamp time.Time
	Coasted   bool // true when extrapolated during a miss, not measured
}

// Track is a persistent identity for one physical object across frames.
type Track struct {
	TrackID  string
	Seq      int64 // monotonic birth sequence; deterministic ordering and tie-breaks
	SensorID string
	State    TrackState

	Hits         int // Consecutive matched frames
	Misses       int // Consecutive missed frames
	Age          int // Frames since birth
	Observations int // Total matched detections over the track's lifetime

	FirstSeen time.Time
	LastSeen  time.Time // last measured (not coasted) detection

	// Current estimate (ground frame). Coasted forward on misses.
	X, Y   float64
	VX, VY float64

	// Planar extent running average, used to widen the association gate.
	ExtentDX float64
	ExtentDY float64

	History []TrackPoint

	classVotes   map[detect.Class]int
	speedHistory []float64
}

// Speed returns the current speed magnitude in m/s.
func (t *Track) Speed() float64 {
	return math.Hypot(t.VX, t.VY)
}

// Class returns the majority-vote class over the track's detection
// history, stabilising frame-to-frame flicker between similar classes.
// Ties resolve by fixed class priority (person, vehicle, cyclist, unknown)
// so the result is deterministic.
func (t *Track) Class() detect.Class {
	best := detect.ClassUnknown
	bestVotes := -1
	for _, c := range []detect.Class{detect.ClassPerson, detect.ClassVehicle, detect.ClassCyclist, detect.ClassUnknown} {
		if v := t.classVotes[c]; v > bestVotes {
			best = c
			bestVotes = v
		}
	}
	return best
}

// SpeedPercentiles returns the p50/p85/p95 of the track's observed speeds.
func (t *Track) SpeedPercentiles() (p50, p85, p95 float64) {
	if len(t.speedHistory) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(t.speedHistory))
	copy(sorted, t.speedHistory)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p85 = stat.Quantile(0.85, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p50, p85, p95
}

// snapshot returns a copy safe for use outside the tracker lock.
func (t *Track) snapshot() *Track {
	copied := *t
	if len(t.History) > 0 {
		copied.History = make([]TrackPoint, len(t.History))
		copy(copied.History, t.History)
	}
	if len(t.classVotes) > 0 {
		copied.classVotes = make(map[detect.Class]int, len(t.classVotes))
		for k, v := range t.classVotes {
			copied.classVotes[k] = v
		}
	}
	if len(t.speedHistory) > 0 {
		copied.speedHistory = make([]float64, len(t.speedHistory))
		copy(copied.speedHistory, t.speedHistory)
	}
	return &copied
}

// UpdateResult is the outcome of one frame.
type UpdateResult struct {
	// Active holds snapshots of every confirmed track after the frame,
	// including tracks coasting through a miss (they keep being scored
	// until the miss timeout so alerts can decay gracefully).
	Active []*Track
	// Removed holds snapshots of confirmed tracks destroyed this frame.
	// The alert state machine uses these for immediate close-out.
	Removed []*Track
	// InvariantViolations counts associations discarded because they
	// would have matched one track to two detections in a frame.
	InvariantViolations int
	// Created and Confirmed count candidate births and promotions this frame.
	Created   int
	Confirmed int
}

// Tracker manages track birth, association, coasting and death.
type Tracker struct {
	mu      sync.RWMutex
	tracks  map[string]*Track
	nextSeq int64
	lastTS  time.Time
	config  TrackerConfig
}

// NewTracker creates a tracker with the specified configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		tracks:  make(map[string]*Track),
		nextSeq: 1,
		config:  cfg,
	}
}

// candidatePair is one feasible detection↔track match.
type candidatePair struct {
	detIdx   int
	trackID  string
	dist     float64
	conf     float64
	trackSeq int64
}

// Update runs one frame: predict, associate, update, coast, spawn, reap.
// Detections must already have passed the gate; ts must be non-decreasing
// across calls (the gate and the reorder buffer guarantee this).
func (t *Tracker) Update(ts time.Time, detections []detect.Detection) UpdateResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dt float64
	if !t.lastTS.IsZero() {
		dt = ts.Sub(t.lastTS).Seconds()
		if dt < 0 {
			dt = 0
		}
	}
	t.lastTS = ts

	// Step 1: coast every live track to the frame timestamp.
	for _, track := range t.tracks {
		if track.State != TrackDead {
			track.X += track.VX * dt
			track.Y += track.VY * dt
		}
	}

	// Step 2: greedy nearest-neighbour association with deterministic
	// tie-breaks (distance asc, detection confidence desc, birth seq asc).
	pairs := t.feasiblePairs(detections, dt)
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.conf != b.conf {
			return a.conf > b.conf
		}
		if a.trackSeq != b.trackSeq {
			return a.trackSeq < b.trackSeq
		}
		return a.detIdx < b.detIdx
	})

	var result UpdateResult
	matchedDet := make([]bool, len(detections))
	matchedTrack := make(map[string]bool, len(t.tracks))
	for _, p := range pairs {
		if matchedDet[p.detIdx] {
			continue
		}
		if matchedTrack[p.trackID] {
			// Greedy selection cannot produce this; if it appears the
			// table is corrupt. Discard the association, keep the frame.
			result.InvariantViolations++
			log.Printf("track %s matched twice in one frame; association discarded", p.trackID)
			continue
		}
		matchedDet[p.detIdx] = true
		matchedTrack[p.trackID] = true
		t.observe(t.tracks[p.trackID], detections[p.detIdx], ts)
	}

	// Step 3: misses. Candidates need an unbroken run of matches, so a
	// single miss removes them. Confirmed tracks coast until the timeout.
	for id, track := range t.tracks {
		if track.State == TrackDead || matchedTrack[id] {
			continue
		}
		track.Misses++
		track.Hits = 0
		track.Age++
		switch track.State {
		case TrackCandidate:
			track.State = TrackDead
		case TrackActive:
			track.appendHistory(TrackPoint{X: track.X, Y: track.Y, Timestamp: ts, Coasted: true}, t.config.HistoryLength)
			if track.Misses >= t.config.MissTimeoutFrames {
				track.State = TrackDead
				result.Removed = append(result.Removed, track.snapshot())
			}
		}
	}

	// Step 4: unmatched detections spawn candidate tracks.
	for i, matched := range matchedDet {
		if !matched {
			t.spawn(detections[i], ts)
			result.Created++
		}
	}

	// Step 5: promote candidates with a full confirmation run.
	for _, track := range t.tracks {
		if track.State == TrackCandidate && track.Hits >= t.config.ConfirmationFrames {
			track.State = TrackActive
			result.Confirmed++
		}
	}

	// Step 6: reap the dead and snapshot the survivors.
	for id, track := range t.tracks {
		if track.State == TrackDead {
			delete(t.tracks, id)
			continue
		}
		if track.State == TrackActive {
			result.Active = append(result.Active, track.snapshot())
		}
	}
	sort.Slice(result.Active, func(i, j int) bool { return result.Active[i].Seq < result.Active[j].Seq })
	sort.Slice(result.Removed, func(i, j int) bool { return result.Removed[i].Seq < result.Removed[j].Seq })

	return result
}

// feasiblePairs computes every detection↔track pair inside the gating
// distance. The gate widens with the detection's planar extent so large
// objects (vehicles) can match across their own footprint.
func (t *Tracker) feasiblePairs(detections []detect.Detection, dt float64) []candidatePair {
	var pairs []candidatePair
	for di, d := range detections {
		gate := t.config.MaxAssociationDistance + math.Hypot(d.DX, d.DY)/2
		for id, track := range t.tracks {
			if track.State == TrackDead {
				continue
			}
			dist := math.Hypot(d.X-track.X, d.Y-track.Y)
			if dist > gate {
				continue
			}
			if dt > 0 && dist/dt > t.config.MaxReasonableSpeedMps {
				continue
			}
			pairs = append(pairs, candidatePair{
				detIdx:   di,
				trackID:  id,
				dist:     dist,
				conf:     d.Confidence,
				trackSeq: track.Seq,
			})
		}
	}
	return pairs
}

// observe folds a matched detection into a track: position, history,
// finite-difference velocity over the retained window, class vote.
func (t *Tracker) observe(track *Track, d detect.Detection, ts time.Time) {
	track.X = d.X
	track.Y = d.Y
	track.Hits++
	track.Misses = 0
	track.Age++
	track.Observations++
	track.LastSeen = ts

	n := float64(track.Observations)
	track.ExtentDX = ((n-1)*track.ExtentDX + d.DX) / n
	track.ExtentDY = ((n-1)*track.ExtentDY + d.DY) / n

	track.appendHistory(TrackPoint{X: d.X, Y: d.Y, Z: d.Z, Timestamp: ts}, t.config.HistoryLength)
	track.classVotes[d.Class]++

	// Velocity: finite difference between the oldest and newest measured
	// points in the window. Averaging across the whole window smooths
	// single-frame jitter without a filter state to maintain.
	first, last, ok := track.measuredSpan()
	if ok {
		span := last.Timestamp.Sub(first.Timestamp).Seconds()
		if span > 0 {
			track.VX = (last.X - first.X) / span
			track.VY = (last.Y - first.Y) / span
			if speed := track.Speed(); speed > t.config.MaxReasonableSpeedMps {
				scale := t.config.MaxReasonableSpeedMps / speed
				track.VX *= scale
				track.VY *= scale
			}
		}
	}

	track.speedHistory = append(track.speedHistory, track.Speed())
	if len(track.speedHistory) > 10*t.config.HistoryLength {
		track.speedHistory = track.speedHistory[1:]
	}
}

// measuredSpan returns the oldest and newest non-coasted history points.
func (t *Track) measuredSpan() (first, last TrackPoint, ok bool) {
	found := false
	for _, p := range t.History {
		if p.Coasted {
			continue
		}
		if !found {
			first = p
			found = true
		}
		last = p
	}
	return first, last, found && last.Timestamp.After(first.Timestamp)
}

func (t *Track) appendHistory(p TrackPoint, limit int) {
	t.History = append(t.History, p)
	if len(t.History) > limit {
		t.History = t.History[len(t.History)-limit:]
	}
}

// spawn creates a candidate track from an unmatched detection.
// Track ids are uuids so an id is never reused, even across restarts.
func (t *Tracker) spawn(d detect.Detection, ts time.Time) *Track {
	track := &Track{
		TrackID:      "trk_" + uuid.NewString(),
		Seq:          t.nextSeq,
		SensorID:     d.SensorID,
		State:        TrackCandidate,
		Hits:         1,
		Age:          1,
		Observations: 1,
		FirstSeen:    ts,
		LastSeen:     ts,
		X:            d.X,
		Y:            d.Y,
		ExtentDX:     d.DX,
		ExtentDY:     d.DY,
		History:      []TrackPoint{{X: d.X, Y: d.Y, Z: d.Z, Timestamp: ts}},
		classVotes:   map[detect.Class]int{d.Class: 1},
	}
	t.nextSeq++
	t.tracks[track.TrackID] = track
	return track
}

// AdvanceMisses advances coasting and expiry without detections. Called
// for frames whose processing was skipped (e.g. rejected batches) so a
// sustained absence of data still decays tracks rather than freezing them.
// Returns snapshots of confirmed tracks removed by the advance.
func (t *Tracker) AdvanceMisses(ts time.Time) []*Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dt float64
	if !t.lastTS.IsZero() {
		dt = ts.Sub(t.lastTS).Seconds()
		if dt < 0 {
			dt = 0
		}
	}
	t.lastTS = ts

	var removed []*Track
	for id, track := range t.tracks {
		if track.State == TrackDead {
			delete(t.tracks, id)
			continue
		}
		track.X += track.VX * dt
		track.Y += track.VY * dt
		track.Misses++
		track.Hits = 0
		track.Age++
		switch track.State {
		case TrackCandidate:
			track.State = TrackDead
			delete(t.tracks, id)
		case TrackActive:
			if track.Misses >= t.config.MissTimeoutFrames {
				track.State = TrackDead
				removed = append(removed, track.snapshot())
				delete(t.tracks, id)
			}
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Seq < removed[j].Seq })
	return removed
}

// ActiveTracks returns snapshots of all confirmed tracks, ordered by birth.
func (t *Tracker) ActiveTracks() []*Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	active := make([]*Track, 0, len(t.tracks))
	for _, track := range t.tracks {
		if track.State == TrackActive {
			active = append(active, track.snapshot())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Seq < active[j].Seq })
	return active
}

// TrackCount returns counts of live tracks by state.
func (t *Tracker) TrackCount() (total, candidate, active int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, track := range t.tracks {
		total++
		switch track.State {
		case TrackCandidate:
			candidate++
		case TrackActive:
			active++
		}
	}
	return
}
