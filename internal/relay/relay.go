// Package relay ingests driver location samples: it keeps the geo index
// current for online drivers and forwards live positions to the rider of
// the ride being served.
package relay

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
	"github.com/example/ride-dispatch/internal/storage"
)

// Sink receives a copy of every accepted sample, e.g. a Kafka topic.
type Sink interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

type Relay struct {
	Geo      geo.Index
	Drivers  storage.DriverDirectory
	// Rides is optional. Without it samples only keep the geo index
	// current and rideId is ignored.
	Rides    *ride.Machine
	Presence presence.Publisher
	Sink     Sink // optional
	Retry    retry.Policy
	Logger   logrus.FieldLogger
}

// ReportLocation records a sample. Online drivers stay discoverable; when
// rideID names a live ride served by this driver the rider is sent the
// position. It reports whether the sample was relayed to a rider.
func (r *Relay) ReportLocation(ctx context.Context, s models.LocationSample) (bool, error) {
	if s.DriverID == "" {
		return false, apperr.With(apperr.ErrMissingField, "driverId is required")
	}
	if err := models.ValidateLatLng(s.Lat, s.Lng); err != nil {
		return false, err
	}
	if s.ReportedAt.IsZero() {
		s.ReportedAt = time.Now()
	}

	drv, err := r.Drivers.GetDriver(ctx, s.DriverID)
	if err != nil {
		return false, err
	}
	if drv.IsAvailable {
		if err := r.index(ctx, s); err != nil {
			return false, err
		}
	}

	if r.Sink != nil {
		if err := r.Sink.PublishLocation(ctx, s); err != nil {
			r.Logger.WithError(err).WithField("driver_id", s.DriverID).Warn("location sink publish failed")
		}
	}

	relayed := false
	if s.RideID != "" && r.Rides != nil {
		relayed, err = r.forward(ctx, s)
	}
	observability.LocationSamples.WithLabelValues(boolLabel(relayed)).Inc()
	return relayed, err
}

// index upserts the sample and undoes it if the driver went offline while
// the write was in flight.
func (r *Relay) index(ctx context.Context, s models.LocationSample) error {
	err := retry.Do(ctx, r.Retry, func(ctx context.Context, _ int) error {
		return r.Geo.Upsert(ctx, s.DriverID, s.Lat, s.Lng)
	})
	if err != nil {
		return err
	}
	drv, err := r.Drivers.GetDriver(ctx, s.DriverID)
	if err != nil {
		return err
	}
	if !drv.IsAvailable {
		return r.remove(ctx, s.DriverID)
	}
	return nil
}

func (r *Relay) forward(ctx context.Context, s models.LocationSample) (bool, error) {
	loc := models.Coord{Lat: s.Lat, Lng: s.Lng}
	rd, live, err := r.Rides.RecordDriverLocation(ctx, s.RideID, s.DriverID, loc)
	if err != nil {
		return false, err
	}
	if !live {
		r.Logger.WithFields(logrus.Fields{"ride_id": s.RideID, "driver_id": s.DriverID, "status": rd.Status}).Debug("location not relayed")
		return false, nil
	}
	payload := models.LiveLocationPayload{DriverID: s.DriverID, Lat: s.Lat, Lng: s.Lng}
	if err := r.Presence.Publish(ctx, models.RiderRoom(rd.RiderID), models.EventDriverLiveLocation, payload); err != nil {
		r.Logger.WithError(err).WithField("ride_id", rd.ID).Warn("publish live location failed")
	}
	return true, nil
}

// SetAvailability flips the driver's flag. Going offline removes the driver
// from the geo index at once; going online waits for the next sample.
func (r *Relay) SetAvailability(ctx context.Context, driverID string, available bool) (*models.Driver, error) {
	if driverID == "" {
		return nil, apperr.With(apperr.ErrMissingField, "driverId is required")
	}
	drv, err := r.Drivers.SetAvailability(ctx, driverID, available)
	if err != nil {
		return nil, err
	}
	if !available {
		if err := r.remove(ctx, driverID); err != nil {
			return nil, err
		}
	}
	r.Logger.WithFields(logrus.Fields{"driver_id": driverID, "available": available}).Info("driver availability changed")
	return drv, nil
}

// Disconnect drops a driver whose last realtime session closed, so no
// ride is offered to a driver nobody can reach. The availability flag is
// left alone; the next sample makes the driver discoverable again.
func (r *Relay) Disconnect(ctx context.Context, driverID string) error {
	if err := r.remove(ctx, driverID); err != nil {
		return err
	}
	r.Logger.WithField("driver_id", driverID).Info("driver disconnected, removed from geo index")
	return nil
}

func (r *Relay) remove(ctx context.Context, driverID string) error {
	return retry.Do(ctx, r.Retry, func(ctx context.Context, _ int) error {
		return r.Geo.Remove(ctx, driverID)
	})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
