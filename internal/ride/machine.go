// Package ride owns the ride lifecycle. Every status change is a guarded
// compare-and-set against the store; nothing else writes status or driver.
package ride

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

type Trigger string

const (
	TriggerAccept   Trigger = "accept"
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerCancel   Trigger = "cancel"
)

type rule struct {
	from []models.RideStatus
	to   models.RideStatus
}

var transitions = map[Trigger]rule{
	TriggerAccept:   {from: []models.RideStatus{models.RideRequested}, to: models.RideAccepted},
	TriggerStart:    {from: []models.RideStatus{models.RideAccepted}, to: models.RideOnTrip},
	TriggerComplete: {from: []models.RideStatus{models.RideOnTrip}, to: models.RideCompleted},
	TriggerCancel:   {from: []models.RideStatus{models.RideRequested, models.RideAccepted, models.RideOnTrip}, to: models.RideCancelled},
}

// CanTransition reports whether the table has an edge from -> to.
func CanTransition(from, to models.RideStatus) bool {
	for _, r := range transitions {
		if r.to == to && slices.Contains(r.from, from) {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Actor is the verified caller of a transition.
type Actor struct {
	ID   string
	Role Role
}

type Machine struct {
	Store  storage.TripStore
	Retry  retry.Policy
	Logger logrus.FieldLogger
	now    func() time.Time
}

func NewMachine(store storage.TripStore, policy retry.Policy, logger logrus.FieldLogger) *Machine {
	return &Machine{Store: store, Retry: policy, Logger: logger, now: time.Now}
}

// Create persists a new ride in the requested state with no driver bound.
func (m *Machine) Create(ctx context.Context, riderID string, pickup, dropoff models.Coord) (*models.Ride, error) {
	if riderID == "" {
		return nil, apperr.With(apperr.ErrMissingField, "riderId is required")
	}
	if err := pickup.Validate(); err != nil {
		return nil, err
	}
	if err := dropoff.Validate(); err != nil {
		return nil, err
	}
	now := m.now()
	r := &models.Ride{
		ID:        uuid.NewString(),
		RiderID:   riderID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Status:    models.RideRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// SaveRide ignores an id it already holds, so a retried insert is safe.
	err := retry.Do(ctx, m.Retry, func(ctx context.Context, _ int) error {
		return m.Store.SaveRide(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	var r *models.Ride
	err := retry.Do(ctx, m.Retry, func(ctx context.Context, _ int) error {
		var err error
		r, err = m.Store.GetRide(ctx, rideID)
		return err
	})
	return r, err
}

// Accept binds driverID to a requested ride. Concurrent callers on the same
// ride get exactly one winner; the rest see ErrRideAlreadyTaken.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.With(apperr.ErrMissingField, "driverId is required")
	}
	r, err := m.apply(ctx, rideID, TriggerAccept, storage.Update{BindDriver: driverID})
	if err != nil {
		if errors.Is(err, apperr.ErrRideAlreadyTaken) {
			observability.AcceptOutcomes.WithLabelValues("taken").Inc()
		}
		return nil, err
	}
	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	return r, nil
}

func (m *Machine) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return m.apply(ctx, rideID, TriggerStart, storage.Update{RequireDriver: driverID})
}

func (m *Machine) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return m.apply(ctx, rideID, TriggerComplete, storage.Update{RequireDriver: driverID})
}

// Cancel is allowed to the ride's rider or its bound driver.
func (m *Machine) Cancel(ctx context.Context, rideID string, actor Actor) (*models.Ride, error) {
	u := storage.Update{}
	switch actor.Role {
	case RoleRider:
		u.RequireRider = actor.ID
	case RoleDriver:
		u.RequireDriver = actor.ID
	default:
		return nil, apperr.ErrNotRideParticipant
	}
	if actor.ID == "" {
		return nil, apperr.ErrNotRideParticipant
	}
	return m.apply(ctx, rideID, TriggerCancel, u)
}

// RecordDriverLocation keeps the last relayed point on a live ride. It
// reports false when the ride is terminal or served by another driver.
func (m *Machine) RecordDriverLocation(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, bool, error) {
	var (
		r    *models.Ride
		live bool
	)
	err := retry.Do(ctx, m.Retry, func(ctx context.Context, _ int) error {
		var err error
		r, live, err = m.Store.RecordDriverLocation(ctx, rideID, driverID, loc)
		return err
	})
	return r, live, err
}

func (m *Machine) apply(ctx context.Context, rideID string, trig Trigger, u storage.Update) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.With(apperr.ErrMissingField, "rideId is required")
	}
	rl := transitions[trig]
	u.From, u.To = rl.from, rl.to

	var (
		out     *models.Ride
		current *models.Ride
		retried bool
	)
	err := retry.Do(ctx, m.Retry, func(ctx context.Context, attempt int) error {
		retried = attempt > 0
		r, err := m.Store.Apply(ctx, rideID, u)
		if errors.Is(err, storage.ErrPrecondition) {
			current = r
			return err
		}
		out = r
		return err
	})
	if err == nil {
		observability.RideTransitions.WithLabelValues(string(u.To)).Inc()
		m.Logger.WithFields(logrus.Fields{"ride_id": rideID, "trigger": trig, "status": out.Status, "driver_id": out.DriverID}).Info("ride transition")
		return out, nil
	}
	if !errors.Is(err, storage.ErrPrecondition) {
		return nil, err
	}
	// An earlier attempt may have committed before its reply was lost.
	if retried && landed(current, u) {
		return current, nil
	}
	return nil, classify(rideID, trig, current, u)
}

func landed(r *models.Ride, u storage.Update) bool {
	if r == nil || r.Status != u.To {
		return false
	}
	if u.BindDriver != "" {
		return r.DriverID == u.BindDriver
	}
	if u.RequireDriver != "" {
		return r.DriverID == u.RequireDriver
	}
	return u.RequireRider == "" || r.RiderID == u.RequireRider
}

func classify(rideID string, trig Trigger, r *models.Ride, u storage.Update) error {
	if r == nil {
		return apperr.With(apperr.ErrInvalidTransition, "ride %s cannot %s", rideID, trig)
	}
	if trig == TriggerAccept && !r.Status.Terminal() {
		return apperr.With(apperr.ErrRideAlreadyTaken, "ride %s already taken", rideID)
	}
	if !CanTransition(r.Status, u.To) {
		return apperr.With(apperr.ErrInvalidTransition, "ride %s cannot %s from %s", rideID, trig, r.Status)
	}
	if u.RequireDriver != "" && r.DriverID != u.RequireDriver {
		return apperr.With(apperr.ErrNotRideParticipant, "driver %s is not assigned to ride %s", u.RequireDriver, rideID)
	}
	if u.RequireRider != "" && r.RiderID != u.RequireRider {
		return apperr.With(apperr.ErrNotRideParticipant, "rider %s does not own ride %s", u.RequireRider, rideID)
	}
	return apperr.With(apperr.ErrInvalidTransition, "ride %s cannot %s from %s", rideID, trig, r.Status)
}
