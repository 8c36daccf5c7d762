package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/dispatch-tracking/internal/models"
)

// Nearby is one hit of a radius query.
type Nearby struct {
	DriverID   string
	VendorID   string
	Position   models.Position
	DistanceKm float64
}

// Geo indexes the latest known position of each driver.
type Geo interface {
	Upsert(ctx context.Context, driverID, vendorID string, p models.Position) error
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

type entry struct {
	vendorID string
	pos      models.Position
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, driverID, vendorID string, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{vendorID: vendorID, pos: p}
	return nil
}

// naive scan; fine for a single vendor fleet, Redis GEO for anything larger
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.drivers))
	for id, e := range g.drivers {
		d := Haversine(c, e.pos.Coord)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverID: id, VendorID: e.vendorID, Position: e.pos, DistanceKm: d})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
