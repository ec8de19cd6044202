package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/ports"
)

// DriverStore persists drivers using pgx and plain SQL. The last known
// location is denormalized onto the driver row; full history lives in the
// location store.
type DriverStore struct {
	pool *pgxpool.Pool
}

var _ ports.DriverStore = (*DriverStore)(nil)

// NewDriverStore constructs a DriverStore.
func NewDriverStore(pool *pgxpool.Pool) *DriverStore {
	return &DriverStore{pool: pool}
}

// Get fetches a driver by primary key.
func (store *DriverStore) Get(ctx context.Context, id string) (*driver.Driver, error) {
	var out driver.Driver
	var vehicleType, status string
	var lat, lng *float64
	var locAt *time.Time

	err := store.pool.QueryRow(ctx, `
		SELECT
			id, user_id, vehicle_type, status, active_ride_id,
			location_lat, location_lng, location_at, last_active_at,
			rating, rating_count, total_rides, created_at, updated_at
		FROM drivers
		WHERE id = $1
	`, id).Scan(
		&out.ID, &out.UserID, &vehicleType, &status, &out.ActiveRideID,
		&lat, &lng, &locAt, &out.LastActiveAt,
		&out.Rating, &out.RatingCount, &out.TotalRides, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("select driver: %w", err)
	}

	out.VehicleType = ride.VehicleType(vehicleType)
	out.Status = driver.Status(status)
	if lat != nil && lng != nil && locAt != nil {
		out.Location = &geo.Sample{
			EntityID:   out.ID,
			Kind:       geo.EntityDriver,
			Point:      geo.Point{Lat: *lat, Lng: *lng},
			RecordedAt: *locAt,
		}
	}
	return &out, nil
}

// Update writes the mutable state of a driver back to its row.
func (store *DriverStore) Update(ctx context.Context, d *driver.Driver) error {
	var lat, lng *float64
	var locAt *time.Time
	if d.Location != nil {
		lat, lng = &d.Location.Point.Lat, &d.Location.Point.Lng
		locAt = &d.Location.RecordedAt
	}

	tag, err := store.pool.Exec(ctx, `
		UPDATE drivers
		SET status = $1,
		    active_ride_id = $2,
		    location_lat = $3,
		    location_lng = $4,
		    location_at = $5,
		    last_active_at = $6,
		    rating = $7,
		    rating_count = $8,
		    total_rides = $9,
		    updated_at = $10
		WHERE id = $11
	`,
		d.Status.String(), d.ActiveRideID,
		lat, lng, locAt, d.LastActiveAt,
		d.Rating, d.RatingCount, d.TotalRides,
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update driver: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}
