// Package dispatch turns ride requests into offers for nearby drivers and
// routes driver decisions through the ride state machine.
package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	DefaultSearchRadiusMeters = 5000
	DefaultCandidateLimit     = 5
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Result is a created ride and the drivers it was offered to.
type Result struct {
	Ride               *models.Ride `json:"ride"`
	CandidateDriverIDs []string     `json:"candidateDriverIds"`
}

type Service struct {
	Geo            geo.Index
	Rides          *ride.Machine
	Presence       presence.Publisher
	Retry          retry.Policy
	SearchRadiusM  float64
	CandidateLimit int
	Logger         logrus.FieldLogger
}

// RequestRide finds nearby online drivers, creates the ride and offers it to
// each candidate. No driver is bound here; the first accept wins.
func (s *Service) RequestRide(ctx context.Context, riderID string, pickup, dropoff models.Coord) (*Result, error) {
	start := time.Now()
	if riderID == "" {
		return nil, apperr.With(apperr.ErrMissingField, "riderId is required")
	}
	if err := pickup.Validate(); err != nil {
		observability.RideRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := dropoff.Validate(); err != nil {
		observability.RideRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	cands, err := s.candidates(ctx, pickup)
	if err != nil {
		observability.RideRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(cands) == 0 {
		observability.RideRequestsTotal.WithLabelValues("no_drivers").Inc()
		return nil, apperr.With(apperr.ErrNoDriversAvailable, "no drivers within %.0fm of pickup", s.radius())
	}

	r, err := s.Rides.Create(ctx, riderID, pickup, dropoff)
	if err != nil {
		observability.RideRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	ids := s.offer(ctx, r, cands)
	observability.RideRequestsTotal.WithLabelValues("offered").Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	s.Logger.WithFields(logrus.Fields{"ride_id": r.ID, "rider_id": riderID, "candidates": len(ids)}).Info("ride offered")
	return &Result{Ride: r, CandidateDriverIDs: ids}, nil
}

// Reoffer re-broadcasts a still-requested ride owned by riderID to the
// drivers currently near its pickup.
func (s *Service) Reoffer(ctx context.Context, rideID, riderID string) (*Result, error) {
	r, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.RiderID != riderID {
		return nil, apperr.With(apperr.ErrNotRideParticipant, "rider %s does not own ride %s", riderID, rideID)
	}
	if r.Status != models.RideRequested {
		return nil, apperr.With(apperr.ErrInvalidTransition, "ride %s is %s", rideID, r.Status)
	}
	cands, err := s.candidates(ctx, r.Pickup)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, apperr.With(apperr.ErrNoDriversAvailable, "no drivers within %.0fm of pickup", s.radius())
	}
	return &Result{Ride: r, CandidateDriverIDs: s.offer(ctx, r, cands)}, nil
}

func (s *Service) candidates(ctx context.Context, pickup models.Coord) ([]models.Neighbor, error) {
	var cands []models.Neighbor
	err := retry.Do(ctx, s.Retry, func(ctx context.Context, _ int) error {
		var err error
		cands, err = s.Geo.QueryRadius(ctx, pickup.Lat, pickup.Lng, s.radius(), s.limit())
		return err
	})
	return cands, err
}

func (s *Service) offer(ctx context.Context, r *models.Ride, cands []models.Neighbor) []string {
	payload := models.RideOfferPayload{RideID: r.ID, Pickup: r.Pickup, Dropoff: r.Dropoff, RiderID: r.RiderID}
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.DriverID)
		s.publish(ctx, models.DriverRoom(c.DriverID), models.EventNewRideRequest, payload)
	}
	return ids
}

// DriverRespond applies a driver's decision on an offered ride. Reject is
// informational; accept goes through the atomic transition and, on a lost
// race, returns ErrRideAlreadyTaken without notifying anyone.
func (s *Service) DriverRespond(ctx context.Context, rideID, driverID string, decision Decision) (*models.Ride, error) {
	switch decision {
	case DecisionAccept:
		r, err := s.Rides.Accept(ctx, rideID, driverID)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, models.BroadcastRoom, models.EventRideRemoved, r.ID)
		s.publish(ctx, models.RiderRoom(r.RiderID), models.EventRideAccepted, models.RideDriverPayload{RideID: r.ID, DriverID: driverID})
		return r, nil
	case DecisionReject:
		if driverID == "" {
			return nil, apperr.With(apperr.ErrMissingField, "driverId is required")
		}
		r, err := s.Rides.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, models.RiderRoom(r.RiderID), models.EventRideRejected, models.RideDriverPayload{RideID: r.ID, DriverID: driverID})
		return r, nil
	default:
		return nil, apperr.With(apperr.ErrInvalidResponse, "response must be accept or reject, got %q", decision)
	}
}

func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.Rides.Start(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.RiderRoom(r.RiderID), models.EventRideStarted, models.RideIDPayload{RideID: r.ID})
	return r, nil
}

func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.Rides.Complete(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.RiderRoom(r.RiderID), models.EventRideCompleted, models.RideIDPayload{RideID: r.ID})
	return r, nil
}

// Cancel ends the ride and withdraws any outstanding offers for it.
func (s *Service) Cancel(ctx context.Context, rideID string, actor ride.Actor) (*models.Ride, error) {
	r, err := s.Rides.Cancel(ctx, rideID, actor)
	if err != nil {
		return nil, err
	}
	payload := models.RideIDPayload{RideID: r.ID}
	s.publish(ctx, models.RiderRoom(r.RiderID), models.EventRideCancelled, payload)
	if r.DriverID != "" {
		s.publish(ctx, models.DriverRoom(r.DriverID), models.EventRideCancelled, payload)
	}
	s.publish(ctx, models.BroadcastRoom, models.EventRideRemoved, r.ID)
	return r, nil
}

// GetRide returns the ride to its rider or bound driver.
func (s *Service) GetRide(ctx context.Context, rideID string, actor ride.Actor) (*models.Ride, error) {
	r, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == ride.RoleRider && r.RiderID == actor.ID:
	case actor.Role == ride.RoleDriver && r.DriverID != "" && r.DriverID == actor.ID:
	default:
		return nil, apperr.With(apperr.ErrNotRideParticipant, "%s is not a participant of ride %s", actor.ID, rideID)
	}
	return r, nil
}

// Nearby lists online drivers around a point, closest first.
func (s *Service) Nearby(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]models.Neighbor, error) {
	var out []models.Neighbor
	err := retry.Do(ctx, s.Retry, func(ctx context.Context, _ int) error {
		var err error
		out, err = s.Geo.QueryRadius(ctx, lat, lng, radiusMeters, limit)
		return err
	})
	if out == nil && err == nil {
		out = []models.Neighbor{}
	}
	return out, err
}

func (s *Service) publish(ctx context.Context, room string, event models.EventName, payload any) {
	if err := s.Presence.Publish(ctx, room, event, payload); err != nil {
		s.Logger.WithError(err).WithFields(logrus.Fields{"room": room, "event": event}).Warn("publish failed")
	}
}

func (s *Service) radius() float64 {
	if s.SearchRadiusM > 0 {
		return s.SearchRadiusM
	}
	return DefaultSearchRadiusMeters
}

func (s *Service) limit() int {
	if s.CandidateLimit > 0 {
		return s.CandidateLimit
	}
	return DefaultCandidateLimit
}
