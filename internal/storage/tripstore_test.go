package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func newRequestedRide(id string) *models.Ride {
	now := time.Now()
	return &models.Ride{
		ID:        id,
		RiderID:   "rider-1",
		Pickup:    models.Coord{Lat: 12.905, Lng: 77.605},
		Dropoff:   models.Coord{Lat: 12.95, Lng: 77.65},
		Status:    models.RideRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

var acceptUpdate = func(driverID string) Update {
	return Update{From: []models.RideStatus{models.RideRequested}, To: models.RideAccepted, BindDriver: driverID}
}

func TestMemoryStore_ConcurrentAcceptHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveRide(ctx, newRequestedRide("r1")))

	const n = 64
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Apply(ctx, "r1", acceptUpdate(fmt.Sprintf("d%d", i)))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			require.Equal(t, -1, winner, "more than one winner")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrPrecondition)
	}
	require.NotEqual(t, -1, winner)

	r, err := m.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, r.Status)
	assert.Equal(t, fmt.Sprintf("d%d", winner), r.DriverID)
}

func TestMemoryStore_ApplyGuards(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveRide(ctx, newRequestedRide("r1")))
	_, err := m.Apply(ctx, "r1", acceptUpdate("d1"))
	require.NoError(t, err)

	start := Update{From: []models.RideStatus{models.RideAccepted}, To: models.RideOnTrip, RequireDriver: "d2"}
	cur, err := m.Apply(ctx, "r1", start)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, models.RideAccepted, cur.Status)

	start.RequireDriver = "d1"
	cur, err = m.Apply(ctx, "r1", start)
	require.NoError(t, err)
	assert.Equal(t, models.RideOnTrip, cur.Status)

	_, err = m.Apply(ctx, "missing", start)
	assert.ErrorIs(t, err, apperr.ErrRideNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveRide(ctx, newRequestedRide("r1")))

	r, err := m.GetRide(ctx, "r1")
	require.NoError(t, err)
	r.Status = models.RideCompleted
	r.DriverID = "intruder"

	again, err := m.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, again.Status)
	assert.Empty(t, again.DriverID)
}

func TestMemoryStore_RecordDriverLocation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveRide(ctx, newRequestedRide("r1")))
	loc := models.Coord{Lat: 12.91, Lng: 77.61}

	_, live, err := m.RecordDriverLocation(ctx, "r1", "d1", loc)
	require.NoError(t, err)
	assert.False(t, live, "no driver bound yet")

	_, err = m.Apply(ctx, "r1", acceptUpdate("d1"))
	require.NoError(t, err)

	_, live, err = m.RecordDriverLocation(ctx, "r1", "d2", loc)
	require.NoError(t, err)
	assert.False(t, live, "other driver")

	r, live, err := m.RecordDriverLocation(ctx, "r1", "d1", loc)
	require.NoError(t, err)
	assert.True(t, live)
	require.NotNil(t, r.DriverLocation)
	assert.Equal(t, loc, *r.DriverLocation)

	_, err = m.Apply(ctx, "r1", Update{From: []models.RideStatus{models.RideAccepted}, To: models.RideCancelled})
	require.NoError(t, err)
	_, live, err = m.RecordDriverLocation(ctx, "r1", "d1", models.Coord{Lat: 1, Lng: 1})
	require.NoError(t, err)
	assert.False(t, live)

	_, _, err = m.RecordDriverLocation(ctx, "nope", "d1", loc)
	assert.ErrorIs(t, err, apperr.ErrRideNotFound)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	strict := NewMemoryDirectory(false)
	_, err := strict.SetAvailability(ctx, "d1", false)
	assert.ErrorIs(t, err, apperr.ErrDriverNotFound)

	strict.Add(models.Driver{ID: "d1", Name: "Asha", IsAvailable: true})
	drv, err := strict.SetAvailability(ctx, "d1", false)
	require.NoError(t, err)
	assert.False(t, drv.IsAvailable)
	assert.Equal(t, "Asha", drv.Name)

	auto := NewMemoryDirectory(true)
	drv, err = auto.GetDriver(ctx, "d9")
	require.NoError(t, err)
	assert.True(t, drv.IsAvailable)
	_, err = auto.GetDriver(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrDriverNotFound)
}
