package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/dispatch-engine/internal/models"
)

// LocationStore holds the latest position/state per driver. Upserts are
// last-write-wins keyed by driver id; reads are allowed to be up to the
// staleness window old, entries past the window are never returned.
type LocationStore interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
	Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error)
	Get(ctx context.Context, driverID string) (models.DriverLocation, bool)
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// cell precision 5 is roughly a 4.9 x 4.9 km bucket. Nearby widens its
// scan by one neighbor ring per cell width of radius, so radii larger
// than one cell still cover the whole circle.
const (
	cellPrecision = 5
	cellWidthKm   = 4.9
)

// Index is the in-memory LocationStore. Drivers are bucketed by geohash
// cell so Nearby scans the center cell and its neighbors instead of the
// whole fleet.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverLocation
	cells     map[string]map[string]struct{} // cell -> driver ids
	staleness time.Duration
	now       func() time.Time
}

func NewIndex(staleness time.Duration) *Index {
	return &Index{
		drivers:   make(map[string]models.DriverLocation),
		cells:     make(map[string]map[string]struct{}),
		staleness: staleness,
		now:       time.Now,
	}
}

func (g *Index) Upsert(_ context.Context, d models.DriverLocation) error {
	if d.LastPing.IsZero() {
		d.LastPing = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[d.DriverID]; ok {
		// out-of-order pings resolve on the monotonic timestamp
		if d.LastPing.Before(prev.LastPing) {
			return nil
		}
		prevCell := cellFor(prev.Loc)
		if c := cellFor(d.Loc); c != prevCell {
			delete(g.cells[prevCell], d.DriverID)
		}
	}
	cell := cellFor(d.Loc)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][d.DriverID] = struct{}{}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverLocation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok || g.stale(d) {
		return models.DriverLocation{}, false
	}
	return d, true
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	d.Available = available
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Nearby(_ context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error) {
	scan := scanCells(cellFor(origin), radiusKm)

	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverLocation
		dist float64
	}
	var arr []pair
	for _, cell := range scan {
		for id := range g.cells[cell] {
			d := g.drivers[id]
			if !d.Online || g.stale(d) {
				continue
			}
			dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
			if dist > radiusKm*1000 {
				continue
			}
			arr = append(arr, pair{d, dist})
		}
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverLocation, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (g *Index) stale(d models.DriverLocation) bool {
	return g.staleness > 0 && g.now().Sub(d.LastPing) > g.staleness
}

func cellFor(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
}

// scanCells expands outward from the center cell, one neighbor ring per
// cell width of radius, and returns the block to scan.
func scanCells(center string, radiusKm float64) []string {
	rings := 1
	if radiusKm > cellWidthKm {
		rings = int(math.Ceil(radiusKm / cellWidthKm))
	}
	seen := map[string]struct{}{center: {}}
	frontier := []string{center}
	for i := 0; i < rings; i++ {
		var next []string
		for _, c := range frontier {
			for _, n := range geohash.Neighbors(c) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coords in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000.0
}
