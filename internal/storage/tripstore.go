package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrPrecondition is returned by Apply when the ride exists but does not
// satisfy the update guard. The current ride is returned alongside it.
var ErrPrecondition = errors.New("ride precondition failed")

// Update is a guarded write: it applies only when the ride's status is one
// of From and every non-empty guard matches, all checked atomically with the write.
type Update struct {
	From          []models.RideStatus
	To            models.RideStatus
	BindDriver    string // set driver_id; requires driver_id to be unset
	RequireDriver string
	RequireRider  string
}

func (u Update) allows(r *models.Ride) bool {
	if !slices.Contains(u.From, r.Status) {
		return false
	}
	if u.BindDriver != "" && r.DriverID != "" {
		return false
	}
	if u.RequireDriver != "" && r.DriverID != u.RequireDriver {
		return false
	}
	if u.RequireRider != "" && r.RiderID != u.RequireRider {
		return false
	}
	return true
}

// TripStore defines persistence operations for rides.
type TripStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// Apply is the compare-and-set primitive every status change goes through.
	Apply(ctx context.Context, id string, u Update) (*models.Ride, error)
	// RecordDriverLocation stores loc on a live ride served by driverID and
	// reports whether the ride was live.
	RecordDriverLocation(ctx context.Context, id, driverID string, loc models.Coord) (*models.Ride, bool, error)
}

type lockedRide struct {
	mu   sync.Mutex
	ride *models.Ride
}

// MemoryStore keeps rides in process. Each ride has its own mutex held for
// the whole check-then-write of Apply.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*lockedRide
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*lockedRide), now: time.Now}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[r.ID]; exists {
		return nil
	}
	m.rides[r.ID] = &lockedRide{ride: r.Clone()}
	return nil
}

func (m *MemoryStore) lookup(id string) (*lockedRide, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lr, ok := m.rides[id]
	return lr, ok
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	lr, ok := m.lookup(id)
	if !ok {
		return nil, apperr.With(apperr.ErrRideNotFound, "ride %s not found", id)
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.ride.Clone(), nil
}

func (m *MemoryStore) Apply(_ context.Context, id string, u Update) (*models.Ride, error) {
	lr, ok := m.lookup(id)
	if !ok {
		return nil, apperr.With(apperr.ErrRideNotFound, "ride %s not found", id)
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if !u.allows(lr.ride) {
		return lr.ride.Clone(), ErrPrecondition
	}
	lr.ride.Status = u.To
	if u.BindDriver != "" {
		lr.ride.DriverID = u.BindDriver
	}
	lr.ride.UpdatedAt = m.now()
	return lr.ride.Clone(), nil
}

func (m *MemoryStore) RecordDriverLocation(_ context.Context, id, driverID string, loc models.Coord) (*models.Ride, bool, error) {
	lr, ok := m.lookup(id)
	if !ok {
		return nil, false, apperr.With(apperr.ErrRideNotFound, "ride %s not found", id)
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.ride.Status.Terminal() || lr.ride.DriverID == "" || lr.ride.DriverID != driverID {
		return lr.ride.Clone(), false, nil
	}
	l := loc
	lr.ride.DriverLocation = &l
	lr.ride.UpdatedAt = m.now()
	return lr.ride.Clone(), true, nil
}
