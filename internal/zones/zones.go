// Package zones holds the security zone registry: named ground-frame
// polygons with a sensitivity weight and an active-hours policy. Zones are
// immutable after load; a reload swaps the whole set atomically and an
// invalid set is refused, leaving the previous valid set in place.
package zones

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Validation failures surfaced by Load/Reload. All are fatal at load time:
// the registry never activates a partially valid set.
var (
	ErrDuplicateZoneID = errors.New("duplicate zone id")
	ErrBadGeometry     = errors.New("malformed zone geometry")
	ErrBadHours        = errors.New("invalid active-hours range")
	ErrBadSensitivity  = errors.New("sensitivity out of range")
)

// HoursRange is a daily time window in which a zone is actively monitored.
// Start and End are wall-clock "HH:MM" strings; End before Start wraps
// past midnight (e.g. 22:00–06:00).
type HoursRange struct {
	Start string `json:"start"`
	End   string `json:"end"`

	startMin int
	endMin   int
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// contains reports whether the wall-clock minute m falls inside the range.
func (r HoursRange) contains(m int) bool {
	if r.startMin <= r.endMin {
		return m >= r.startMin && m < r.endMin
	}
	// Overnight wrap.
	return m >= r.startMin || m < r.endMin
}

// Vertex is a 2D point in the common ground frame (metres).
type Vertex struct {
	X float64
	Y float64
}

// Zone is one named security region.
type Zone struct {
	ID          string       `json:"id"`
	Polygon     [][2]float64 `json:"polygon"`
	Sensitivity float64      `json:"sensitivity"`
	ActiveHours []HoursRange `json:"active_hours,omitempty"`

	vertices []Vertex
}

// validate normalises the zone and checks its invariants.
func (z *Zone) validate() error {
	if z.ID == "" {
		return fmt.Errorf("%w: empty zone id", ErrBadGeometry)
	}
	if len(z.Polygon) < 3 {
		return fmt.Errorf("%w: zone %q has %d vertices (need at least 3)", ErrBadGeometry, z.ID, len(z.Polygon))
	}
	if z.Sensitivity < 0 || z.Sensitivity > 1 {
		return fmt.Errorf("%w: zone %q sensitivity %f", ErrBadSensitivity, z.ID, z.Sensitivity)
	}
	z.vertices = make([]Vertex, len(z.Polygon))
	for i, p := range z.Polygon {
		if math.IsNaN(p[0]) || math.IsInf(p[0], 0) || math.IsNaN(p[1]) || math.IsInf(p[1], 0) {
			return fmt.Errorf("%w: zone %q vertex %d is not finite", ErrBadGeometry, z.ID, i)
		}
		z.vertices[i] = Vertex{X: p[0], Y: p[1]}
	}
	for i := range z.ActiveHours {
		r := &z.ActiveHours[i]
		start, err := parseClock(r.Start)
		if err != nil {
			return fmt.Errorf("%w: zone %q start %q: %v", ErrBadHours, z.ID, r.Start, err)
		}
		end, err := parseClock(r.End)
		if err != nil {
			return fmt.Errorf("%w: zone %q end %q: %v", ErrBadHours, z.ID, r.End, err)
		}
		if start == end {
			return fmt.Errorf("%w: zone %q range %s-%s is empty", ErrBadHours, z.ID, r.Start, r.End)
		}
		r.startMin = start
		r.endMin = end
	}
	return nil
}

// Contains reports whether the ground-frame point (x, y) lies inside the
// zone polygon. Ray-casting with the boundary counted as inside.
func (z *Zone) Contains(x, y float64) bool {
	inside := false
	n := len(z.vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := z.vertices[i], z.vertices[j]
		if (vi.Y > y) != (vj.Y > y) &&
			x < (vj.X-vi.X)*(y-vi.Y)/(vj.Y-vi.Y)+vi.X {
			inside = !inside
		}
	}
	if inside {
		return true
	}
	// Points on (or within a few mm of) an edge count as inside.
	return z.DistanceToBoundary(x, y) < 1e-9
}

// DistanceToBoundary returns the distance from (x, y) to the nearest point
// on the zone's polygon boundary. It is non-negative on both sides of the
// boundary; combine with Contains to get a signed interpretation.
func (z *Zone) DistanceToBoundary(x, y float64) float64 {
	best := math.Inf(1)
	n := len(z.vertices)
	for i := 0; i < n; i++ {
		a := z.vertices[i]
		b := z.vertices[(i+1)%n]
		d := pointSegmentDistance(x, y, a, b)
		if d < best {
			best = d
		}
	}
	return best
}

func pointSegmentDistance(x, y float64, a, b Vertex) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = ((x-a.X)*dx + (y-a.Y)*dy) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	px := a.X + t*dx
	py := a.Y + t*dy
	return math.Hypot(x-px, y-py)
}

// ActiveAt reports whether the zone is actively monitored at t (wall
// clock of t's location). A zone with no configured ranges is always
// active.
func (z *Zone) ActiveAt(t time.Time) bool {
	if len(z.ActiveHours) == 0 {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	for _, r := range z.ActiveHours {
		if r.contains(m) {
			return true
		}
	}
	return false
}

// zoneFile is the on-disk JSON schema.
type zoneFile struct {
	Zones []Zone `json:"zones"`
}

// Registry owns the active zone set. All readers see a consistent set;
// Reload swaps it atomically under the lock.
type Registry struct {
	mu    sync.RWMutex
	zones []*Zone
	byID  map[string]*Zone
}

// NewRegistry returns an empty registry (no zones; everything scores 0).
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Zone)}
}

// LoadFile builds a registry from a zone definition JSON file.
func LoadFile(path string) (*Registry, error) {
	r := NewRegistry()
	if err := r.ReloadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// ReloadFile replaces the active zone set with the contents of path.
// On any validation error the previous set is retained.
func (r *Registry) ReloadFile(path string) error {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read zone file: %w", err)
	}
	var zf zoneFile
	if err := json.Unmarshal(data, &zf); err != nil {
		return fmt.Errorf("failed to parse zone file: %w", err)
	}
	return r.Reload(zf.Zones)
}

// Reload validates and installs a new zone set. On error the previous set
// is retained and the error describes the first offending zone.
func (r *Registry) Reload(defs []Zone) error {
	next := make([]*Zone, 0, len(defs))
	byID := make(map[string]*Zone, len(defs))
	for i := range defs {
		z := defs[i] // copy; the registry owns its zones
		if err := z.validate(); err != nil {
			return err
		}
		if _, exists := byID[z.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateZoneID, z.ID)
		}
		byID[z.ID] = &z
		next = append(next, &z)
	}

	r.mu.Lock()
	r.zones = next
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Zones returns the current zone set. The returned slice must not be
// mutated; zones are immutable after load.
func (r *Registry) Zones() []*Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.zones
}

// Get returns the zone with the given id, or nil.
func (r *Registry) Get(id string) *Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}
