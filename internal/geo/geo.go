package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Geo answers the nearby-rider query the matcher depends on: online,
// approved riders within radiusKm of a point, nearest first.
type Geo interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error)
	Upsert(r models.Rider)
}

// Index is the in-memory implementation: a flat scan with a bounding-box
// prune before the exact distance computation. Adequate for a single node;
// RedisGeo covers the multi-node case.
type Index struct {
	mu     sync.RWMutex
	riders map[string]models.Rider
}

func NewIndex() *Index {
	return &Index{riders: make(map[string]models.Rider)}
}

func (g *Index) Upsert(r models.Rider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.LastSeen = time.Now()
	g.riders[r.ID] = r
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.riders, id)
}

func (g *Index) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	latDelta, lngDelta := BoundingBox(lat, radiusKm)
	out := make([]models.Candidate, 0, 8)
	for _, r := range g.riders {
		if !r.Online || !r.Approved {
			continue
		}
		// cheap prune before the trig-heavy exact distance
		if math.Abs(r.Loc.Lat-lat) > latDelta || math.Abs(r.Loc.Lng-lng) > lngDelta {
			continue
		}
		d := HaversineKm(lat, lng, r.Loc.Lat, r.Loc.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{RiderID: r.ID, Loc: r.Loc, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// BoundingBox returns the lat/lng half-widths of a box that encloses a
// radiusKm circle at the given latitude. One degree of latitude is ~111 km;
// longitude degrees shrink with cos(lat).
func BoundingBox(lat, radiusKm float64) (latDelta, lngDelta float64) {
	latDelta = radiusKm / 111.0
	lngDelta = radiusKm / (111.0 * math.Cos(lat*math.Pi/180))
	return latDelta, lngDelta
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
