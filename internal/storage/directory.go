package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// DriverDirectory owns each driver's availability flag. Driver
// registration lives elsewhere; unknown drivers yield ErrDriverNotFound.
type DriverDirectory interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetAvailability(ctx context.Context, id string, available bool) (*models.Driver, error)
}

type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	// AutoRegister treats any authenticated driver id as a known, available
	// driver. Used when no driver database is configured.
	AutoRegister bool
	now          func() time.Time
}

func NewMemoryDirectory(autoRegister bool) *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[string]models.Driver), AutoRegister: autoRegister, now: time.Now}
}

func (d *MemoryDirectory) Add(drv models.Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if drv.UpdatedAt.IsZero() {
		drv.UpdatedAt = d.now()
	}
	d.drivers[drv.ID] = drv
}

func (d *MemoryDirectory) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	d.mu.RLock()
	drv, ok := d.drivers[id]
	d.mu.RUnlock()
	if ok {
		return &drv, nil
	}
	if !d.AutoRegister || id == "" {
		return nil, apperr.With(apperr.ErrDriverNotFound, "driver %s not found", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if drv, ok = d.drivers[id]; !ok {
		drv = models.Driver{ID: id, IsAvailable: true, UpdatedAt: d.now()}
		d.drivers[id] = drv
	}
	return &drv, nil
}

func (d *MemoryDirectory) SetAvailability(ctx context.Context, id string, available bool) (*models.Driver, error) {
	if _, err := d.GetDriver(ctx, id); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	drv := d.drivers[id]
	drv.IsAvailable = available
	drv.UpdatedAt = d.now()
	d.drivers[id] = drv
	return &drv, nil
}

type driverRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	IsAvailable bool      `db:"is_available"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (row driverRow) toDriver() *models.Driver {
	return &models.Driver{ID: row.ID, Name: row.Name, IsAvailable: row.IsAvailable, UpdatedAt: row.UpdatedAt}
}

type PostgresDirectory struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresDirectory(db *sqlx.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, now: time.Now}
}

func (p *PostgresDirectory) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var row driverRow
	err := p.db.GetContext(ctx, &row, `SELECT id, name, is_available, updated_at FROM drivers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.With(apperr.ErrDriverNotFound, "driver %s not found", id)
	}
	if err != nil {
		return nil, apperr.Upstream("get driver", err)
	}
	return row.toDriver(), nil
}

func (p *PostgresDirectory) SetAvailability(ctx context.Context, id string, available bool) (*models.Driver, error) {
	var row driverRow
	err := p.db.GetContext(ctx, &row, `UPDATE drivers SET is_available = $1, updated_at = $2 WHERE id = $3
		RETURNING id, name, is_available, updated_at`, available, p.now(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.With(apperr.ErrDriverNotFound, "driver %s not found", id)
	}
	if err != nil {
		return nil, apperr.Upstream("set driver availability", err)
	}
	return row.toDriver(), nil
}
