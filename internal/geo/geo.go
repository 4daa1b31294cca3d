package geo

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Index tracks the live position of every online driver.
// Upsert overwrites (last write wins), Remove is idempotent and QueryRadius
// returns hits ordered by ascending distance, fresher positions first on ties.
type Index interface {
	Upsert(ctx context.Context, driverID string, lat, lng float64) error
	Remove(ctx context.Context, driverID string) error
	QueryRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]models.Neighbor, error)
}

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func validateQuery(lat, lng, radiusMeters float64) error {
	if err := models.ValidateLatLng(lat, lng); err != nil {
		return err
	}
	if !(radiusMeters > 0) {
		return apperr.With(apperr.ErrInvalidCoordinate, "radius must be > 0, got %v", radiusMeters)
	}
	return nil
}

func validateDriverID(driverID string) error {
	if driverID == "" {
		return apperr.With(apperr.ErrMissingField, "driverId is required")
	}
	return nil
}
