package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater-systems/perimeter/internal/detect"
	"github.com/stillwater-systems/perimeter/internal/tracks"
	"github.com/stillwater-systems/perimeter/internal/zones"
)

func testScorerConfig() ScorerConfig {
	return ScorerConfig{
		ClassWeights: map[detect.Class]float64{
			detect.ClassPerson:  1.0,
			detect.ClassVehicle: 0.8,
			detect.ClassCyclist: 0.6,
			detect.ClassUnknown: 0.5,
		},
		LookAheadMeters:    5.0,
		OffHoursMultiplier: 0.3,
	}
}

// registryWith builds a registry holding the given zones, failing the test
// on validation errors.
func registryWith(t *testing.T, defs ...zones.Zone) *zones.Registry {
	t.Helper()
	r := zones.NewRegistry()
	require.NoError(t, r.Reload(defs))
	return r
}

func yardZone(sensitivity float64) zones.Zone {
	return zones.Zone{
		ID:          "yard",
		Sensitivity: sensitivity,
		Polygon:     [][2]float64{{-10, -10}, {10, -10}, {10, 10}, {-10, 10}},
	}
}

func trackAt(x, y, vx, vy float64) *tracks.Track {
	return &tracks.Track{
		TrackID: "trk_test",
		State:   tracks.TrackActive,
		X:       x, Y: y,
		VX: vx, VY: vy,
	}
}

var noon = time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)

func TestScoreStationaryInsideZone(t *testing.T) {
	t.Parallel()

	s := NewScorer(testScorerConfig(), registryWith(t, yardZone(1.0)))

	a := s.Score(trackAt(0, 0, 0, 0), noon)
	// Full position term, halved by the stationary motion factor: a
	// loiterer inside the zone is notable but not an emergency.
	assert.InDelta(t, 0.5, a.Score, 1e-9)
	assert.Equal(t, "yard", a.ZoneID)
	assert.InDelta(t, 1.0, a.Factors.ClassWeight, 1e-9)
	assert.InDelta(t, 1.0, a.Factors.ZoneSensitivity, 1e-9)
	assert.InDelta(t, 0.5, a.Factors.Proximity, 1e-9)
	assert.InDelta(t, 1.0, a.Factors.TimeMultiplier, 1e-9)
}

func TestScoreMovingInsideZone(t *testing.T) {
	t.Parallel()

	s := NewScorer(testScorerConfig(), registryWith(t, yardZone(1.0)))

	// 2 m/s through the zone saturates the motion factor.
	a := s.Score(trackAt(0, 0, 2, 0), noon)
	assert.InDelta(t, 1.0, a.Score, 1e-9)
}

func TestScoreOutsideZone(t *testing.T) {
	t.Parallel()

	s := NewScorer(testScorerConfig(), registryWith(t, yardZone(1.0)))

	t.Run("beyond look-ahead contributes nothing", func(t *testing.T) {
		t.Parallel()
		a := s.Score(trackAt(15, 0, -2, 0), noon)
		assert.Zero(t, a.Score)
		assert.Empty(t, a.ZoneID)
	})

	t.Run("approaching inside look-ahead", func(t *testing.T) {
		t.Parallel()
		// 3 m out, closing at 2 m/s: position 0.4, motion saturated.
		a := s.Score(trackAt(13, 0, -2, 0), noon)
		assert.InDelta(t, 0.4, a.Score, 1e-6)
		assert.Equal(t, "yard", a.ZoneID)
	})

	t.Run("retreating is damped hard", func(t *testing.T) {
		t.Parallel()
		// 2 m out, opening at 2 m/s: motion clamps at its floor.
		a := s.Score(trackAt(12, 0, 2, 0), noon)
		assert.InDelta(t, 0.06, a.Score, 1e-6)
	})
}

func TestScoreOffHours(t *testing.T) {
	t.Parallel()

	z := yardZone(1.0)
	z.ActiveHours = []zones.HoursRange{{Start: "09:00", End: "17:00"}}
	s := NewScorer(testScorerConfig(), registryWith(t, z))

	night := time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC)

	a := s.Score(trackAt(0, 0, 2, 0), night)
	// Damped, never zeroed: 1.0 * off-hours 0.3. The multiplier alone
	// keeps off-hours components below the ALERT enter threshold.
	assert.InDelta(t, 0.3, a.Score, 1e-9)
	assert.InDelta(t, 0.3, a.Factors.TimeMultiplier, 1e-9)

	day := s.Score(trackAt(0, 0, 2, 0), noon)
	assert.InDelta(t, 1.0, day.Score, 1e-9)
}

func TestScoreWorstZoneGoverns(t *testing.T) {
	t.Parallel()

	low := yardZone(0.4)
	low.ID = "outer"
	high := zones.Zone{
		ID:          "inner",
		Sensitivity: 1.0,
		Polygon:     [][2]float64{{-5, -5}, {5, -5}, {5, 5}, {-5, 5}},
	}
	s := NewScorer(testScorerConfig(), registryWith(t, low, high))

	// The track sits inside both zones; the higher component wins.
	a := s.Score(trackAt(0, 0, 0, 0), noon)
	assert.Equal(t, "inner", a.ZoneID)
	assert.InDelta(t, 0.5, a.Score, 1e-9)
	assert.InDelta(t, 1.0, a.Factors.ZoneSensitivity, 1e-9)
}

func TestScoreEmptyRegistry(t *testing.T) {
	t.Parallel()

	s := NewScorer(testScorerConfig(), zones.NewRegistry())
	a := s.Score(trackAt(0, 0, 2, 0), noon)
	assert.Zero(t, a.Score)
	assert.Empty(t, a.ZoneID)
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	t.Parallel()

	s := NewScorer(testScorerConfig(), registryWith(t, yardZone(1.0)))
	a := s.Score(trackAt(0, 0, 25, 0), noon)
	assert.LessOrEqual(t, a.Score, 1.0)
	assert.GreaterOrEqual(t, a.Score, 0.0)
}
