package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 1)
}

func ids(ns []models.Neighbor) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.DriverID)
	}
	return out
}

func TestRTreeIndex_QueryRadiusOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	require.NoError(t, g.Upsert(ctx, "far", 12.940, 77.640))  // ~5.4km
	require.NoError(t, g.Upsert(ctx, "mid", 12.910, 77.610))  // ~0.77km
	require.NoError(t, g.Upsert(ctx, "near", 12.906, 77.605)) // ~0.1km
	require.NoError(t, g.Upsert(ctx, "other-city", 28.61, 77.20))

	got, err := g.QueryRadius(ctx, 12.905, 77.605, 5000, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "mid"}, ids(got))
	for _, n := range got {
		assert.LessOrEqual(t, n.Distance, 5000.0)
	}
	assert.Less(t, got[0].Distance, got[1].Distance)
}

func TestRTreeIndex_ExactSetWithinRadius(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	center := models.Coord{Lat: 12.905, Lng: 77.605}
	points := map[string]models.Coord{
		"a": {Lat: 12.90, Lng: 77.60},
		"b": {Lat: 12.91, Lng: 77.61},
		"c": {Lat: 12.95, Lng: 77.605},
		"d": {Lat: 12.905, Lng: 77.65},
		"e": {Lat: 12.86, Lng: 77.56},
	}
	for id, p := range points {
		require.NoError(t, g.Upsert(ctx, id, p.Lat, p.Lng))
	}
	for _, r := range []float64{500, 1000, 5000, 6000, 8000} {
		got, err := g.QueryRadius(ctx, center.Lat, center.Lng, r, 0)
		require.NoError(t, err)
		var want []string
		for id, p := range points {
			if Haversine(center.Lat, center.Lng, p.Lat, p.Lng) <= r {
				want = append(want, id)
			}
		}
		assert.ElementsMatch(t, want, ids(got), "radius %v", r)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
	}
}

func TestRTreeIndex_LimitAndRecencyTieBreak(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	g.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	require.NoError(t, g.Upsert(ctx, "older", 10, 10))
	require.NoError(t, g.Upsert(ctx, "newer", 10, 10))
	require.NoError(t, g.Upsert(ctx, "farther", 10.01, 10))

	got, err := g.QueryRadius(ctx, 10, 10, 5000, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "older"}, ids(got))

	// refreshing "older" makes it the freshest at the same point
	require.NoError(t, g.Upsert(ctx, "older", 10, 10))
	got, err = g.QueryRadius(ctx, 10, 10, 5000, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"older"}, ids(got))
}

func TestRTreeIndex_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	require.NoError(t, g.Upsert(ctx, "d1", 12.90, 77.60))
	require.NoError(t, g.Upsert(ctx, "d1", 40.0, -73.0))

	got, err := g.QueryRadius(ctx, 12.90, 77.60, 5000, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = g.QueryRadius(ctx, 40.0, -73.0, 100, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids(got))
	assert.Equal(t, 1, g.Len())
}

func TestRTreeIndex_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	require.NoError(t, g.Upsert(ctx, "d1", 1, 1))
	require.NoError(t, g.Remove(ctx, "d1"))
	require.NoError(t, g.Remove(ctx, "d1"))
	require.NoError(t, g.Remove(ctx, "never-inserted"))
	assert.Equal(t, 0, g.Len())

	got, err := g.QueryRadius(ctx, 1, 1, 1000, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRTreeIndex_InvalidCoordinates(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	assert.ErrorIs(t, g.Upsert(ctx, "d1", 91, 0), apperr.ErrInvalidCoordinate)
	assert.ErrorIs(t, g.Upsert(ctx, "d1", 0, -180.5), apperr.ErrInvalidCoordinate)
	assert.ErrorIs(t, g.Upsert(ctx, "", 0, 0), apperr.ErrMissingField)
	_, err := g.QueryRadius(ctx, 0, 0, 0, 5)
	assert.ErrorIs(t, err, apperr.ErrInvalidCoordinate)
	assert.Equal(t, 0, g.Len())
}

func TestRTreeIndex_AcrossAntimeridian(t *testing.T) {
	ctx := context.Background()
	g := NewRTreeIndex()
	require.NoError(t, g.Upsert(ctx, "east", 0, 179.99))
	require.NoError(t, g.Upsert(ctx, "west", 0, -179.99))

	got, err := g.QueryRadius(ctx, 0, 179.999, 5000, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"east", "west"}, ids(got))
}

func TestRTreeIndex_Position(t *testing.T) {
	g := NewRTreeIndex()
	require.NoError(t, g.Upsert(context.Background(), "d1", 12.9, 77.6))
	pos, ok := g.Position("d1")
	require.True(t, ok)
	assert.Equal(t, 12.9, pos.Lat)
	assert.Equal(t, 77.6, pos.Lng)
	assert.False(t, pos.LastUpdatedAt.IsZero())
	_, ok = g.Position("nope")
	assert.False(t, ok)
}
