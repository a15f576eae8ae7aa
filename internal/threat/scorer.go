// Package threat scores active tracks against the zone set. One
// assessment per track per frame; assessments are ephemeral and carry the
// full contributing-factor breakdown for the alert stream.
package threat

import (
	"math"
	"time"

	"github.com/stillwater-systems/perimeter/internal/config"
	"github.com/stillwater-systems/perimeter/internal/detect"
	"github.com/stillwater-systems/perimeter/internal/tracks"
	"github.com/stillwater-systems/perimeter/internal/zones"
)

// closingSpeedRef is the closing speed (m/s) at which the motion factor
// saturates at 1.0 — roughly a brisk walking pace. Everything else about
// the scoring formula is configurable; this is a shape constant of the
// motion ramp, not a policy threshold.
const closingSpeedRef = 1.5

// Factors is the contributing-factor breakdown of one assessment.
type Factors struct {
	ClassWeight     float64 `json:"class_weight"`
	ZoneSensitivity float64 `json:"zone_sensitivity"`
	Proximity       float64 `json:"proximity"`
	TimeMultiplier  float64 `json:"time_multiplier"`
}

// Assessment is the scored threat for one track at one frame.
type Assessment struct {
	TrackID   string
	Timestamp time.Time
	Score     float64 // [0, 1]
	ZoneID    string  // zone producing the maximum component, "" if none
	Factors   Factors // breakdown for the triggering zone
}

// ScorerConfig holds the scoring weights and ranges.
type ScorerConfig struct {
	ClassWeights       map[detect.Class]float64
	LookAheadMeters    float64 // zones farther than this from the track contribute nothing
	OffHoursMultiplier float64 // applied outside a zone's active hours; never zero
}

// ScorerConfigFromTuning builds a ScorerConfig from a loaded TuningConfig.
func ScorerConfigFromTuning(cfg *config.TuningConfig) ScorerConfig {
	return ScorerConfig{
		ClassWeights: map[detect.Class]float64{
			detect.ClassPerson:  cfg.GetClassWeightPerson(),
			detect.ClassVehicle: cfg.GetClassWeightVehicle(),
			detect.ClassCyclist: cfg.GetClassWeightCyclist(),
			detect.ClassUnknown: cfg.GetClassWeightUnknown(),
		},
		LookAheadMeters:    cfg.GetLookAheadMeters(),
		OffHoursMultiplier: cfg.GetOffHoursMultiplier(),
	}
}

// Scorer computes threat assessments against a zone registry.
type Scorer struct {
	config   ScorerConfig
	registry *zones.Registry
}

// NewScorer creates a scorer reading zones from the given registry.
func NewScorer(cfg ScorerConfig, registry *zones.Registry) *Scorer {
	return &Scorer{config: cfg, registry: registry}
}

// Score computes the track's threat assessment at now. The overall score
// is the maximum per-zone component (worst case governs), clamped to
// [0, 1]; a track intersecting no zone scores 0.
func (s *Scorer) Score(track *tracks.Track, now time.Time) Assessment {
	assessment := Assessment{
		TrackID:   track.TrackID,
		Timestamp: now,
	}

	classWeight := s.config.ClassWeights[track.Class()]
	for _, zone := range s.registry.Zones() {
		proximity := s.proximityTerm(zone, track)
		if proximity <= 0 {
			continue
		}
		// Outside active hours the component is damped, never zeroed:
		// off-hours intrusions stay notable but cannot reach ALERT
		// (the multiplier alone keeps the component below the 0.80
		// enter threshold).
		timeMultiplier := 1.0
		if !zone.ActiveAt(now) {
			timeMultiplier = s.config.OffHoursMultiplier
		}

		component := classWeight * zone.Sensitivity * proximity * timeMultiplier
		if component > 1 {
			component = 1
		}
		if component > assessment.Score {
			assessment.Score = component
			assessment.ZoneID = zone.ID
			assessment.Factors = Factors{
				ClassWeight:     classWeight,
				ZoneSensitivity: zone.Sensitivity,
				Proximity:       proximity,
				TimeMultiplier:  timeMultiplier,
			}
		}
	}
	return assessment
}

// proximityTerm combines position and motion. The position term is 1.0
// inside the zone and decays linearly to 0 at the look-ahead distance.
// The motion factor rises with closing speed toward the boundary and
// shrinks for tracks moving away: a stationary object, even inside the
// zone, scores half of one closing at full pace. Returns 0 for zones
// beyond the look-ahead range.
func (s *Scorer) proximityTerm(zone *zones.Zone, track *tracks.Track) float64 {
	inside := zone.Contains(track.X, track.Y)
	dist := zone.DistanceToBoundary(track.X, track.Y)

	var position float64
	if inside {
		position = 1.0
	} else {
		if dist >= s.config.LookAheadMeters {
			return 0
		}
		position = 1.0 - dist/s.config.LookAheadMeters
	}

	// Closing speed: rate of decrease of the boundary distance along the
	// current velocity. Inside the zone any movement counts as closing —
	// an object traversing a zone is more pressing than one loitering.
	var closing float64
	if inside {
		closing = track.Speed()
	} else {
		const eps = 0.1 // seconds of look-ahead for the finite difference
		nextDist := zone.DistanceToBoundary(track.X+track.VX*eps, track.Y+track.VY*eps)
		closing = (dist - nextDist) / eps
	}

	motion := 0.5 + closing/(2*closingSpeedRef)
	motion = math.Max(0.1, math.Min(1.0, motion))

	return position * motion
}
