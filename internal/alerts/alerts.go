// Package alerts turns per-frame threat scores into stable alert levels.
// One hysteresis state machine per track: distinct enter/exit thresholds
// plus a sustain-frame debounce keep a score oscillating around a
// boundary from flapping the level. Every level transition is published
// to the configured sinks in per-track timestamp order.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stillwater-systems/perimeter/internal/config"
	"github.com/stillwater-systems/perimeter/internal/threat"
)

// Level is a discrete alert severity. Levels form a linear lattice; a
// machine moves at most one edge per evaluation.
type Level int

const (
	LevelSafe Level = iota
	LevelCaution
	LevelWarning
	LevelAlert
)

// String returns the canonical upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "SAFE"
	case LevelCaution:
		return "CAUTION"
	case LevelWarning:
		return "WARNING"
	case LevelAlert:
		return "ALERT"
	}
	return "UNKNOWN"
}

// Alert is one escalation episode for one track: opened on the first
// transition away from SAFE, closed on return to SAFE, on track
// destruction, or on engine stop. Every opened Alert is guaranteed to
// close.
type Alert struct {
	ID        string
	TrackID   string
	PeakLevel Level
	ZoneID    string // zone that triggered the latest escalation, "" if none
	StartTime time.Time
	EndTime   *time.Time
	Factors   threat.Factors // breakdown at the latest escalation
}

// Transition is one alert-level change, published to sinks.
type Transition struct {
	TrackID      string
	AlertID      string
	Previous     Level
	New          Level
	ZoneID       string // nullable: "" when no zone is involved (decay, close-out)
	Timestamp    time.Time
	EpisodeStart time.Time // start of the owning alert episode, zero when none
	Score        float64
	Factors      threat.Factors
}

// Sink receives alert transitions. Implementations belong to the
// surrounding system (notification, visualization, persistence); the
// engine only guarantees per-track ordering.
type Sink interface {
	Publish(t Transition)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(t Transition)

// Publish calls f(t).
func (f SinkFunc) Publish(t Transition) { f(t) }

// MonitorConfig holds the hysteresis thresholds and debounce windows.
type MonitorConfig struct {
	// enter[l] is the score required to escalate into level l;
	// exit[l] is the score below which level l steps back down.
	CautionEnter, CautionExit float64
	WarningEnter, WarningExit float64
	AlertEnter, AlertExit     float64

	SustainFrames      int // consecutive evaluations before any transition fires
	StaleTimeoutFrames int // evaluations without a score before forcing SAFE
}

// MonitorConfigFromTuning builds a MonitorConfig from a loaded TuningConfig.
func MonitorConfigFromTuning(cfg *config.TuningConfig) MonitorConfig {
	return MonitorConfig{
		CautionEnter:       cfg.GetCautionEnterScore(),
		CautionExit:        cfg.GetCautionExitScore(),
		WarningEnter:       cfg.GetWarningEnterScore(),
		WarningExit:        cfg.GetWarningExitScore(),
		AlertEnter:         cfg.GetAlertEnterScore(),
		AlertExit:          cfg.GetAlertExitScore(),
		SustainFrames:      cfg.GetSustainFrames(),
		StaleTimeoutFrames: cfg.GetStaleTimeoutFrames(),
	}
}

func (c MonitorConfig) enterThreshold(l Level) float64 {
	switch l {
	case LevelCaution:
		return c.CautionEnter
	case LevelWarning:
		return c.WarningEnter
	case LevelAlert:
		return c.AlertEnter
	}
	return 0
}

func (c MonitorConfig) exitThreshold(l Level) float64 {
	switch l {
	case LevelCaution:
		return c.CautionExit
	case LevelWarning:
		return c.WarningExit
	case LevelAlert:
		return c.AlertExit
	}
	return 0
}

// machine is the per-track hysteresis state. Explicit counters, no
// timers: the whole state is recomputed from one score per frame.
type machine struct {
	level            Level
	aboveEnter       int       // consecutive evaluations at/above the next level's enter threshold
	belowExit        int       // consecutive evaluations below the current level's exit threshold
	firstAboveTS     time.Time // first frame of the current escalation run
	framesSinceScore int
	scoredThisFrame  bool
	open             *Alert
}

// Monitor owns one machine per active track and fans transitions out to
// sinks. Mutated only by the pipeline goroutine.
type Monitor struct {
	mu       sync.Mutex
	config   MonitorConfig
	machines map[string]*machine
	sinks    []Sink
}

// NewMonitor creates a monitor publishing to the given sinks.
func NewMonitor(cfg MonitorConfig, sinks ...Sink) *Monitor {
	return &Monitor{
		config:   cfg,
		machines: make(map[string]*machine),
		sinks:    sinks,
	}
}

func (m *Monitor) publish(t Transition) {
	for _, s := range m.sinks {
		s.Publish(t)
	}
}

// ObserveScore evaluates one track's assessment for the current frame.
// At most one lattice edge is traversed per call.
func (m *Monitor) ObserveScore(a threat.Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.machines[a.TrackID]
	if !ok {
		st = &machine{level: LevelSafe}
		m.machines[a.TrackID] = st
	}
	st.scoredThisFrame = true
	st.framesSinceScore = 0

	// Escalation debounce: count consecutive evaluations at or above the
	// next level's enter threshold.
	if st.level < LevelAlert && a.Score >= m.config.enterThreshold(st.level+1) {
		if st.aboveEnter == 0 {
			st.firstAboveTS = a.Timestamp
		}
		st.aboveEnter++
	} else {
		st.aboveEnter = 0
	}

	// De-escalation debounce: count consecutive evaluations below the
	// current level's exit threshold. Scores between exit and enter hold
	// the level steady — that band is the hysteresis.
	if st.level > LevelSafe && a.Score < m.config.exitThreshold(st.level) {
		st.belowExit++
	} else {
		st.belowExit = 0
	}

	switch {
	case st.aboveEnter >= m.config.SustainFrames && st.level < LevelAlert:
		m.escalate(st, a)
	case st.belowExit >= m.config.SustainFrames && st.level > LevelSafe:
		m.deescalate(st, a)
	}
}

func (m *Monitor) escalate(st *machine, a threat.Assessment) {
	prev := st.level
	st.level++
	st.aboveEnter = 0
	st.belowExit = 0

	if st.open == nil {
		// The episode starts at the first frame of the confirmed run,
		// not at the frame the debounce completed.
		st.open = &Alert{
			ID:        "alr_" + uuid.NewString(),
			TrackID:   a.TrackID,
			StartTime: st.firstAboveTS,
		}
	}
	if st.level > st.open.PeakLevel {
		st.open.PeakLevel = st.level
	}
	st.open.ZoneID = a.ZoneID
	st.open.Factors = a.Factors

	m.publish(Transition{
		TrackID:      a.TrackID,
		AlertID:      st.open.ID,
		Previous:     prev,
		New:          st.level,
		ZoneID:       a.ZoneID,
		Timestamp:    a.Timestamp,
		EpisodeStart: st.open.StartTime,
		Score:        a.Score,
		Factors:      a.Factors,
	})
}

func (m *Monitor) deescalate(st *machine, a threat.Assessment) {
	prev := st.level
	st.level--
	st.aboveEnter = 0
	st.belowExit = 0

	var alertID string
	var episodeStart time.Time
	if st.open != nil {
		alertID = st.open.ID
		episodeStart = st.open.StartTime
		if st.level == LevelSafe {
			end := a.Timestamp
			st.open.EndTime = &end
			st.open = nil
		}
	}

	m.publish(Transition{
		TrackID:      a.TrackID,
		AlertID:      alertID,
		Previous:     prev,
		New:          st.level,
		ZoneID:       a.ZoneID,
		Timestamp:    a.Timestamp,
		EpisodeStart: episodeStart,
		Score:        a.Score,
		Factors:      a.Factors,
	})
}

// TrackRemoved closes out a destroyed track. A track removed in any
// non-SAFE state emits an immediate transition to SAFE and closes its
// alert with end = destruction time, so no opened Alert dangles.
func (m *Monitor) TrackRemoved(trackID string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.machines[trackID]
	if !ok {
		return
	}
	m.forceSafe(trackID, st, ts)
	delete(m.machines, trackID)
}

// forceSafe drops a machine straight to SAFE and closes its alert.
// Destruction and staleness bypass the one-edge-per-frame rule: the track
// is gone, there is nothing left to debounce.
func (m *Monitor) forceSafe(trackID string, st *machine, ts time.Time) {
	if st.level == LevelSafe {
		return
	}
	prev := st.level
	st.level = LevelSafe
	st.aboveEnter = 0
	st.belowExit = 0

	var alertID string
	var episodeStart time.Time
	var factors threat.Factors
	if st.open != nil {
		alertID = st.open.ID
		episodeStart = st.open.StartTime
		factors = st.open.Factors
		end := ts
		st.open.EndTime = &end
		st.open = nil
	}

	m.publish(Transition{
		TrackID:      trackID,
		AlertID:      alertID,
		Previous:     prev,
		New:          LevelSafe,
		Timestamp:    ts,
		EpisodeStart: episodeStart,
		Factors:      factors,
	})
}

// EndFrame finishes one pipeline frame. Machines that received no score
// this frame age toward the stale horizon; beyond it they are forced to
// SAFE and their alerts closed, so a sustained absence of scoring can
// never leave an alert stuck at a stale high level.
func (m *Monitor) EndFrame(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.machines {
		if st.scoredThisFrame {
			st.scoredThisFrame = false
			continue
		}
		st.framesSinceScore++
		if st.framesSinceScore >= m.config.StaleTimeoutFrames {
			m.forceSafe(id, st, ts)
			delete(m.machines, id)
		}
	}
}

// Flush closes every open alert with a synthetic close-out at ts. Called
// when the pipeline stops so no Alert is left dangling across shutdown.
func (m *Monitor) Flush(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.machines {
		m.forceSafe(id, st, ts)
		delete(m.machines, id)
	}
}

// Level returns the current alert level for a track (SAFE for unknown).
func (m *Monitor) Level(trackID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.machines[trackID]; ok {
		return st.level
	}
	return LevelSafe
}

// OpenAlerts returns copies of all currently open alerts.
func (m *Monitor) OpenAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []Alert
	for _, st := range m.machines {
		if st.open != nil {
			open = append(open, *st.open)
		}
	}
	return open
}
