package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type published struct {
	Room    string
	Event   models.EventName
	Payload any
}

type recorder struct {
	mu   sync.Mutex
	sent []published
}

func (r *recorder) Publish(_ context.Context, room string, event models.EventName, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, published{room, event, payload})
	return nil
}

func (r *recorder) to(room string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, p := range r.sent {
		if p.Room == room {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

var (
	pickup  = models.Coord{Lat: 12.905, Lng: 77.605}
	dropoff = models.Coord{Lat: 12.95, Lng: 77.65}
)

func newTestService(t *testing.T) (*Service, *geo.RTreeIndex, *recorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	policy := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	idx := geo.NewRTreeIndex()
	rec := &recorder{}
	return &Service{
		Geo:      idx,
		Rides:    ride.NewMachine(storage.NewMemoryStore(), policy, logger),
		Presence: rec,
		Retry:    policy,
		Logger:   logger,
	}, idx, rec
}

func TestRequestRide_TwoDriversOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "A", 12.90, 77.60))
	require.NoError(t, idx.Upsert(ctx, "B", 12.91, 77.61))

	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, res.Ride.Status)
	assert.Empty(t, res.Ride.DriverID)
	assert.ElementsMatch(t, []string{"A", "B"}, res.CandidateDriverIDs)

	for _, d := range []string{"A", "B"} {
		offers := rec.to(models.DriverRoom(d))
		require.Len(t, offers, 1)
		assert.Equal(t, models.EventNewRideRequest, offers[0].Event)
		assert.Equal(t, models.RideOfferPayload{RideID: res.Ride.ID, Pickup: pickup, Dropoff: dropoff, RiderID: "rider-1"}, offers[0].Payload)
	}

	won, err := svc.DriverRespond(ctx, res.Ride.ID, "A", DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, "A", won.DriverID)
	assert.Equal(t, models.RideAccepted, won.Status)

	withdrawn := rec.to(models.BroadcastRoom)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, models.EventRideRemoved, withdrawn[0].Event)
	assert.Equal(t, res.Ride.ID, withdrawn[0].Payload)

	accepted := rec.to(models.RiderRoom("rider-1"))
	require.Len(t, accepted, 1)
	assert.Equal(t, models.EventRideAccepted, accepted[0].Event)

	rec.reset()
	_, err = svc.DriverRespond(ctx, res.Ride.ID, "B", DecisionAccept)
	assert.ErrorIs(t, err, apperr.ErrRideAlreadyTaken)
	assert.Empty(t, rec.sent, "losing accept notifies nobody")
}

func TestRequestRide_NoDrivers(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "far", 13.5, 78.2))

	_, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	assert.ErrorIs(t, err, apperr.ErrNoDriversAvailable)
	assert.Empty(t, rec.sent)
}

func TestRequestRide_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.RequestRide(context.Background(), "rider-1", models.Coord{Lat: 100}, dropoff)
	assert.ErrorIs(t, err, apperr.ErrInvalidCoordinate)
	_, err = svc.RequestRide(context.Background(), "", pickup, dropoff)
	assert.ErrorIs(t, err, apperr.ErrMissingField)
}

func TestRequestRide_CandidateLimit(t *testing.T) {
	ctx := context.Background()
	svc, idx, _ := newTestService(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("d%d", i), pickup.Lat+float64(i)*0.001, pickup.Lng))
	}
	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"d0", "d1", "d2", "d3", "d4"}, res.CandidateDriverIDs)
}

func TestConcurrentAcceptWithdrawsForEveryone(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("d%d", i), pickup.Lat, pickup.Lng+float64(i)*0.001))
	}
	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)
	rec.reset()

	var wg sync.WaitGroup
	errs := make([]error, len(res.CandidateDriverIDs))
	for i, d := range res.CandidateDriverIDs {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			_, errs[i] = svc.DriverRespond(ctx, res.Ride.ID, d, DecisionAccept)
		}(i, d)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, apperr.ErrRideAlreadyTaken)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, rec.to(models.BroadcastRoom), 1)
}

func TestDriverRespond_Reject(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "A", 12.90, 77.60))
	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)

	r, err := svc.DriverRespond(ctx, res.Ride.ID, "A", DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, r.Status)
	rejected := rec.to(models.RiderRoom("rider-1"))
	require.Len(t, rejected, 1)
	assert.Equal(t, models.EventRideRejected, rejected[0].Event)
	assert.Equal(t, models.RideDriverPayload{RideID: res.Ride.ID, DriverID: "A"}, rejected[0].Payload)

	_, err = svc.DriverRespond(ctx, res.Ride.ID, "A", "maybe")
	assert.ErrorIs(t, err, apperr.ErrInvalidResponse)
}

func TestTripLifecycleAndCancel(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "A", 12.90, 77.60))

	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)
	_, err = svc.DriverRespond(ctx, res.Ride.ID, "A", DecisionAccept)
	require.NoError(t, err)
	rec.reset()

	_, err = svc.Start(ctx, res.Ride.ID, "A")
	require.NoError(t, err)
	r, err := svc.Complete(ctx, res.Ride.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, r.Status)

	events := rec.to(models.RiderRoom("rider-1"))
	require.Len(t, events, 2)
	assert.Equal(t, models.EventRideStarted, events[0].Event)
	assert.Equal(t, models.EventRideCompleted, events[1].Event)

	_, err = svc.Cancel(ctx, res.Ride.ID, ride.Actor{ID: "rider-1", Role: ride.RoleRider})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	second, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)
	_, err = svc.DriverRespond(ctx, second.Ride.ID, "A", DecisionAccept)
	require.NoError(t, err)
	rec.reset()

	c, err := svc.Cancel(ctx, second.Ride.ID, ride.Actor{ID: "rider-1", Role: ride.RoleRider})
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, c.Status)
	assert.Len(t, rec.to(models.RiderRoom("rider-1")), 1)
	assert.Len(t, rec.to(models.DriverRoom("A")), 1)
	removed := rec.to(models.BroadcastRoom)
	require.Len(t, removed, 1)
	assert.Equal(t, second.Ride.ID, removed[0].Payload)
}

func TestReofferAndGetRide(t *testing.T) {
	ctx := context.Background()
	svc, idx, rec := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "A", 12.90, 77.60))
	res, err := svc.RequestRide(ctx, "rider-1", pickup, dropoff)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "B", 12.91, 77.61))
	rec.reset()
	again, err := svc.Reoffer(ctx, res.Ride.ID, "rider-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, again.CandidateDriverIDs)
	assert.Len(t, rec.to(models.DriverRoom("B")), 1)

	_, err = svc.Reoffer(ctx, res.Ride.ID, "rider-2")
	assert.ErrorIs(t, err, apperr.ErrNotRideParticipant)

	got, err := svc.GetRide(ctx, res.Ride.ID, ride.Actor{ID: "rider-1", Role: ride.RoleRider})
	require.NoError(t, err)
	assert.Equal(t, res.Ride.ID, got.ID)
	_, err = svc.GetRide(ctx, res.Ride.ID, ride.Actor{ID: "A", Role: ride.RoleDriver})
	assert.ErrorIs(t, err, apperr.ErrNotRideParticipant, "offered but not bound")

	_, err = svc.DriverRespond(ctx, res.Ride.ID, "A", DecisionAccept)
	require.NoError(t, err)
	_, err = svc.Reoffer(ctx, res.Ride.ID, "rider-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = svc.GetRide(ctx, res.Ride.ID, ride.Actor{ID: "A", Role: ride.RoleDriver})
	assert.NoError(t, err)
}

func TestNearby(t *testing.T) {
	ctx := context.Background()
	svc, idx, _ := newTestService(t)
	require.NoError(t, idx.Upsert(ctx, "A", 12.90, 77.60))

	got, err := svc.Nearby(ctx, 12.90, 77.60, 3000, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].DriverID)

	got, err = svc.Nearby(ctx, -33, 151, 3000, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = svc.Nearby(ctx, 200, 0, 3000, 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidCoordinate)
}
