package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	status, driver_lat, driver_lng, created_at, updated_at`

type rideRow struct {
	ID         string          `db:"id"`
	RiderID    string          `db:"rider_id"`
	DriverID   sql.NullString  `db:"driver_id"`
	PickupLat  float64         `db:"pickup_lat"`
	PickupLng  float64         `db:"pickup_lng"`
	DropoffLat float64         `db:"dropoff_lat"`
	DropoffLng float64         `db:"dropoff_lng"`
	Status     string          `db:"status"`
	DriverLat  sql.NullFloat64 `db:"driver_lat"`
	DriverLng  sql.NullFloat64 `db:"driver_lng"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (row rideRow) toRide() *models.Ride {
	r := &models.Ride{
		ID:        row.ID,
		RiderID:   row.RiderID,
		DriverID:  row.DriverID.String,
		Pickup:    models.Coord{Lat: row.PickupLat, Lng: row.PickupLng},
		Dropoff:   models.Coord{Lat: row.DropoffLat, Lng: row.DropoffLng},
		Status:    models.RideStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.DriverLat.Valid && row.DriverLng.Valid {
		r.DriverLocation = &models.Coord{Lat: row.DriverLat.Float64, Lng: row.DriverLng.Float64}
	}
	return r
}

// PostgresStore persists rides; Apply is one conditional UPDATE so the
// database resolves concurrent writers.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Open connects with the lib/pq driver and pings the server.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, apperr.Upstream("postgres connect", err)
	}
	return db, nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return apperr.Upstream("save ride", err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.With(apperr.ErrRideNotFound, "ride %s not found", id)
	}
	if err != nil {
		return nil, apperr.Upstream("get ride", err)
	}
	return row.toRide(), nil
}

func (p *PostgresStore) Apply(ctx context.Context, id string, u Update) (*models.Ride, error) {
	from := make([]string, 0, len(u.From))
	for _, s := range u.From {
		from = append(from, string(s))
	}
	var row rideRow
	err := p.db.GetContext(ctx, &row, `UPDATE rides SET
			status = $1,
			driver_id = CASE WHEN $2 <> '' THEN $2 ELSE driver_id END,
			updated_at = $3
		WHERE id = $4
			AND status = ANY($5)
			AND ($2 = '' OR driver_id IS NULL)
			AND ($6 = '' OR driver_id = $6)
			AND ($7 = '' OR rider_id = $7)
		RETURNING `+rideColumns,
		string(u.To), u.BindDriver, p.now(), id, pq.Array(from), u.RequireDriver, u.RequireRider)
	if err == nil {
		return row.toRide(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Upstream("apply ride update", err)
	}
	current, gerr := p.GetRide(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return current, ErrPrecondition
}

func (p *PostgresStore) RecordDriverLocation(ctx context.Context, id, driverID string, loc models.Coord) (*models.Ride, bool, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `UPDATE rides SET driver_lat = $1, driver_lng = $2, updated_at = $3
		WHERE id = $4 AND driver_id = $5 AND status IN ('accepted', 'onTrip')
		RETURNING `+rideColumns,
		loc.Lat, loc.Lng, p.now(), id, driverID)
	if err == nil {
		return row.toRide(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, apperr.Upstream("record driver location", err)
	}
	current, gerr := p.GetRide(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return current, false, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return apperr.Upstream("postgres ping", p.db.PingContext(ctx))
}
