package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	pointTolerance  = 1e-9
	metersPerDegree = earthRadiusMeters * math.Pi / 180
)

// entry is immutable once inserted; an update replaces it so the tree can
// find the old bounds on delete.
type entry struct {
	id      string
	lat     float64
	lng     float64
	updated time.Time
	seq     uint64
}

func (e *entry) Bounds() rtreego.Rect {
	return rtreego.Point{e.lng, e.lat}.ToRect(pointTolerance)
}

// RTreeIndex is the in-process Index, an R-tree over (lng, lat) with a
// haversine post-filter.
type RTreeIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[string]*entry
	seq     uint64
	now     func() time.Time
}

func NewRTreeIndex() *RTreeIndex {
	return &RTreeIndex{
		tree:    rtreego.NewTree(2, 25, 50),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (g *RTreeIndex) Upsert(_ context.Context, driverID string, lat, lng float64) error {
	if err := validateDriverID(driverID); err != nil {
		return err
	}
	if err := models.ValidateLatLng(lat, lng); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[driverID]; ok {
		g.tree.Delete(old)
	}
	g.seq++
	e := &entry{id: driverID, lat: lat, lng: lng, updated: g.now(), seq: g.seq}
	g.entries[driverID] = e
	g.tree.Insert(e)
	return nil
}

func (g *RTreeIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[driverID]; ok {
		g.tree.Delete(old)
		delete(g.entries, driverID)
	}
	return nil
}

// Position returns the stored point for a driver.
func (g *RTreeIndex) Position(driverID string) (models.DriverPosition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[driverID]
	if !ok {
		return models.DriverPosition{}, false
	}
	return models.DriverPosition{DriverID: e.id, Lat: e.lat, Lng: e.lng, LastUpdatedAt: e.updated}, true
}

func (g *RTreeIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *RTreeIndex) QueryRadius(_ context.Context, lat, lng, radiusMeters float64, limit int) ([]models.Neighbor, error) {
	if err := validateQuery(lat, lng, radiusMeters); err != nil {
		return nil, err
	}
	g.mu.RLock()
	type hit struct {
		e    *entry
		dist float64
	}
	var hits []hit
	seen := make(map[string]struct{})
	for _, box := range searchBoxes(lat, lng, radiusMeters) {
		for _, s := range g.tree.SearchIntersect(box) {
			e := s.(*entry)
			if _, dup := seen[e.id]; dup {
				continue
			}
			seen[e.id] = struct{}{}
			if d := Haversine(lat, lng, e.lat, e.lng); d <= radiusMeters {
				hits = append(hits, hit{e, d})
			}
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		if !hits[i].e.updated.Equal(hits[j].e.updated) {
			return hits[i].e.updated.After(hits[j].e.updated)
		}
		return hits[i].e.seq > hits[j].e.seq
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Neighbor, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.Neighbor{DriverID: h.e.id, Distance: h.dist})
	}
	return out, nil
}

// searchBoxes returns the lng/lat rectangles covering the circle, split in
// two when it crosses the antimeridian.
func searchBoxes(lat, lng, radiusMeters float64) []rtreego.Rect {
	dLat := radiusMeters / metersPerDegree * 1.01
	minLat, maxLat := math.Max(lat-dLat, -90), math.Min(lat+dLat, 90)

	dLng := 180.0
	if minLat > -90 && maxLat < 90 {
		widest := math.Max(math.Abs(minLat), math.Abs(maxLat)) * math.Pi / 180
		if c := math.Cos(widest); c > 0 {
			dLng = math.Min(dLat/c, 180)
		}
	}
	if dLng >= 180 {
		return []rtreego.Rect{mustRect(-180, minLat, 180, maxLat)}
	}
	minLng, maxLng := lng-dLng, lng+dLng
	switch {
	case minLng < -180:
		return []rtreego.Rect{
			mustRect(minLng+360, minLat, 180, maxLat),
			mustRect(-180, minLat, maxLng, maxLat),
		}
	case maxLng > 180:
		return []rtreego.Rect{
			mustRect(minLng, minLat, 180, maxLat),
			mustRect(-180, minLat, maxLng-360, maxLat),
		}
	default:
		return []rtreego.Rect{mustRect(minLng, minLat, maxLng, maxLat)}
	}
}

func mustRect(minLng, minLat, maxLng, maxLat float64) rtreego.Rect {
	w := math.Max(maxLng-minLng, pointTolerance)
	h := math.Max(maxLat-minLat, pointTolerance)
	r, err := rtreego.NewRect(rtreego.Point{minLng, minLat}, []float64{w, h})
	if err != nil {
		panic(err)
	}
	return r
}
