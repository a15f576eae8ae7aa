package zones

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareZone(id string, half float64) Zone {
	return Zone{
		ID:          id,
		Sensitivity: 1.0,
		Polygon: [][2]float64{
			{-half, -half}, {half, -half}, {half, half}, {-half, half},
		},
	}
}

func TestZoneValidation(t *testing.T) {
	t.Parallel()

	t.Run("accepts a simple square", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, r.Reload([]Zone{squareZone("yard", 10)}))
		assert.Len(t, r.Zones(), 1)
		assert.NotNil(t, r.Get("yard"))
	})

	t.Run("rejects duplicate zone ids", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		err := r.Reload([]Zone{squareZone("yard", 10), squareZone("yard", 5)})
		assert.ErrorIs(t, err, ErrDuplicateZoneID)
	})

	t.Run("rejects degenerate polygons", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		err := r.Reload([]Zone{{
			ID:          "line",
			Sensitivity: 0.5,
			Polygon:     [][2]float64{{0, 0}, {1, 1}},
		}})
		assert.ErrorIs(t, err, ErrBadGeometry)
	})

	t.Run("rejects sensitivity outside the unit interval", func(t *testing.T) {
		t.Parallel()
		z := squareZone("hot", 10)
		z.Sensitivity = 1.5
		r := NewRegistry()
		assert.ErrorIs(t, r.Reload([]Zone{z}), ErrBadSensitivity)
	})

	t.Run("rejects malformed active hours", func(t *testing.T) {
		t.Parallel()
		z := squareZone("night", 10)
		z.ActiveHours = []HoursRange{{Start: "25:00", End: "06:00"}}
		r := NewRegistry()
		assert.ErrorIs(t, r.Reload([]Zone{z}), ErrBadHours)
	})
}

func TestZoneContains(t *testing.T) {
	t.Parallel()

	z := squareZone("yard", 10)
	require.NoError(t, z.validate())

	assert.True(t, z.Contains(0, 0), "centre")
	assert.True(t, z.Contains(9.99, 9.99), "near corner, inside")
	assert.True(t, z.Contains(10, 0), "on the boundary counts as inside")
	assert.False(t, z.Contains(10.01, 0), "just outside")
	assert.False(t, z.Contains(-50, 3), "far outside")
}

func TestZoneDistanceToBoundary(t *testing.T) {
	t.Parallel()

	z := squareZone("yard", 10)
	require.NoError(t, z.validate())

	assert.InDelta(t, 10.0, z.DistanceToBoundary(0, 0), 1e-9, "centre to edge")
	assert.InDelta(t, 5.0, z.DistanceToBoundary(15, 0), 1e-9, "outside, east")
	assert.InDelta(t, 0.0, z.DistanceToBoundary(10, 0), 1e-9, "on the edge")
	// Corner distance is diagonal.
	assert.InDelta(t, 14.142, z.DistanceToBoundary(20, 20), 1e-3)
}

func TestZoneActiveAt(t *testing.T) {
	t.Parallel()

	at := func(hhmm string) time.Time {
		parsed, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return time.Date(2026, 3, 12, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	}

	t.Run("no ranges means always active", func(t *testing.T) {
		t.Parallel()
		z := squareZone("yard", 10)
		require.NoError(t, z.validate())
		assert.True(t, z.ActiveAt(at("03:00")))
	})

	t.Run("daytime range", func(t *testing.T) {
		t.Parallel()
		z := squareZone("office", 10)
		z.ActiveHours = []HoursRange{{Start: "09:00", End: "17:00"}}
		require.NoError(t, z.validate())

		assert.True(t, z.ActiveAt(at("09:00")), "start is inclusive")
		assert.True(t, z.ActiveAt(at("12:30")))
		assert.False(t, z.ActiveAt(at("17:00")), "end is exclusive")
		assert.False(t, z.ActiveAt(at("03:00")))
	})

	t.Run("overnight wrap", func(t *testing.T) {
		t.Parallel()
		z := squareZone("depot", 10)
		z.ActiveHours = []HoursRange{{Start: "22:00", End: "06:00"}}
		require.NoError(t, z.validate())

		assert.True(t, z.ActiveAt(at("23:30")))
		assert.True(t, z.ActiveAt(at("05:59")))
		assert.False(t, z.ActiveAt(at("06:00")))
		assert.False(t, z.ActiveAt(at("12:00")))
	})
}

func TestRegistryReloadRetainsPreviousSetOnError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Reload([]Zone{squareZone("yard", 10)}))

	err := r.Reload([]Zone{squareZone("a", 10), squareZone("a", 5)})
	require.ErrorIs(t, err, ErrDuplicateZoneID)

	// The refused reload must not disturb the active set.
	require.Len(t, r.Zones(), 1)
	assert.Equal(t, "yard", r.Zones()[0].ID)
	assert.Nil(t, r.Get("a"))
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	t.Run("loads a valid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "zones.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"zones": [
				{"id": "fence", "sensitivity": 0.9,
				 "polygon": [[0,0],[20,0],[20,20],[0,20]],
				 "active_hours": [{"start": "20:00", "end": "08:00"}]}
			]
		}`), 0o644))

		r, err := LoadFile(path)
		require.NoError(t, err)
		require.Len(t, r.Zones(), 1)
		assert.Equal(t, 0.9, r.Get("fence").Sensitivity)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		t.Parallel()
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}
