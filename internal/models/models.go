package models

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects points outside lat [-90,90] / lng [-180,180] and NaNs.
func (c Coord) Validate() error {
	return ValidateLatLng(c.Lat, c.Lng)
}

func ValidateLatLng(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return apperr.With(apperr.ErrInvalidCoordinate, "invalid coordinate lat=%v lng=%v", lat, lng)
	}
	return nil
}

type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
	RideOnTrip    RideStatus = "onTrip"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Ride struct {
	ID             string     `json:"id"`
	RiderID        string     `json:"riderId"`
	DriverID       string     `json:"driverId,omitempty"` // empty until accepted
	Pickup         Coord      `json:"pickup"`
	Dropoff        Coord      `json:"dropoff"`
	Status         RideStatus `json:"status"`
	DriverLocation *Coord     `json:"driverLocation,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.DriverLocation != nil {
		loc := *r.DriverLocation
		c.DriverLocation = &loc
	}
	return &c
}

type Driver struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	IsAvailable bool      `json:"isAvailable"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type DriverPosition struct {
	DriverID      string    `json:"driverId"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Neighbor is one GeoIndex hit; Distance is in meters.
type Neighbor struct {
	DriverID string  `json:"driverId"`
	Distance float64 `json:"distance"`
}

// LocationSample is a GPS report from a driver, optionally tied to a ride.
type LocationSample struct {
	DriverID   string    `json:"driverId"`
	RideID     string    `json:"rideId,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ReportedAt time.Time `json:"reportedAt"`
}
