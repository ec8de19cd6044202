package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/ports"
)

// RideStore persists rides using pgx and plain SQL.
type RideStore struct {
	pool *pgxpool.Pool
}

var _ ports.RideStore = (*RideStore)(nil)

// NewRideStore constructs a RideStore.
func NewRideStore(pool *pgxpool.Pool) *RideStore {
	return &RideStore{pool: pool}
}

// Create inserts a new ride row.
func (store *RideStore) Create(ctx context.Context, r *ride.Ride) error {
	_, err := store.pool.Exec(ctx, `
		INSERT INTO rides (
			id, passenger_id, driver_id, vehicle_type, status, route_id,
			pickup_lat, pickup_lng, destination_lat, destination_lng,
			requested_at, assigned_at, picked_up_at, completed_at, cancelled_at,
			rating, feedback, cancellation_reason, cancelled_by,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		r.ID, r.PassengerID, r.DriverID, r.VehicleType.String(), r.Status.String(), r.RouteID,
		r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng,
		r.RequestedAt, r.AssignedAt, r.PickedUpAt, r.CompletedAt, r.CancelledAt,
		r.Rating, r.Feedback, r.CancellationReason, r.CancelledBy,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

// Get fetches a ride by primary key.
func (store *RideStore) Get(ctx context.Context, id string) (*ride.Ride, error) {
	var out ride.Ride
	var vehicleType, status string

	err := store.pool.QueryRow(ctx, `
		SELECT
			id, passenger_id, driver_id, vehicle_type, status, route_id,
			pickup_lat, pickup_lng, destination_lat, destination_lng,
			requested_at, assigned_at, picked_up_at, completed_at, cancelled_at,
			rating, feedback, cancellation_reason, cancelled_by,
			created_at, updated_at
		FROM rides
		WHERE id = $1
	`, id).Scan(
		&out.ID, &out.PassengerID, &out.DriverID, &vehicleType, &status, &out.RouteID,
		&out.Pickup.Lat, &out.Pickup.Lng, &out.Destination.Lat, &out.Destination.Lng,
		&out.RequestedAt, &out.AssignedAt, &out.PickedUpAt, &out.CompletedAt, &out.CancelledAt,
		&out.Rating, &out.Feedback, &out.CancellationReason, &out.CancelledBy,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("select ride: %w", err)
	}

	out.VehicleType = ride.VehicleType(vehicleType)
	out.Status = ride.Status(status)
	return &out, nil
}

// Update writes the full mutable state of a ride back to its row.
func (store *RideStore) Update(ctx context.Context, r *ride.Ride) error {
	tag, err := store.pool.Exec(ctx, `
		UPDATE rides
		SET driver_id = $1,
		    status = $2,
		    assigned_at = $3,
		    picked_up_at = $4,
		    completed_at = $5,
		    cancelled_at = $6,
		    rating = $7,
		    feedback = $8,
		    cancellation_reason = $9,
		    cancelled_by = $10,
		    updated_at = $11
		WHERE id = $12
	`,
		r.DriverID, r.Status.String(),
		r.AssignedAt, r.PickedUpAt, r.CompletedAt, r.CancelledAt,
		r.Rating, r.Feedback, r.CancellationReason, r.CancelledBy,
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}
