package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

// Pool is the driver pool used by the matcher and the location endpoints.
type Pool interface {
	Nearby(ctx context.Context, at models.Coord, limit int) ([]models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory Pool.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	if d.Profile.ID == "" {
		d.Profile.ID = d.ID
	}
	g.drivers[d.ID] = d
	return nil
}

// Nearby returns up to limit online drivers ordered by distance. Full scan; fine for a demo pool.
func (g *Index) Nearby(_ context.Context, at models.Coord, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		arr = append(arr, pair{d, Haversine(at, d.Loc)})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].d.ID < arr[j].d.ID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
