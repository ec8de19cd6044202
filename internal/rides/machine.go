// Package rides implements the ride lifecycle state machine. Every
// transition of a given ride is serialized through a per-ride lock, so
// concurrent assignment attempts resolve to exactly one winner.
package rides

import (
	"context"
	"errors"
	"fmt"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/keylock"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/metrics"
	"ride-dispatch/internal/ports"
)

// TransitionContext carries the optional inputs a transition may need.
type TransitionContext struct {
	DriverID  string   // required for ASSIGNED, checked for PICKED_UP
	Rating    *float64 // optional on COMPLETED
	Feedback  string   // optional on COMPLETED
	Reason    string   // optional on CANCELLED
	Initiator string   // identity that requested the CANCELLED transition
}

// Machine applies lifecycle transitions to rides and keeps driver binding
// consistent with ride state: ASSIGNED binds, COMPLETED and CANCELLED
// release.
type Machine struct {
	store   ports.RideStore
	drivers *drivers.Manager
	locks   *keylock.KeyLock
	logger  *logger.Logger
}

// NewMachine constructs a Machine.
func NewMachine(store ports.RideStore, dm *drivers.Manager, log *logger.Logger) *Machine {
	return &Machine{
		store:   store,
		drivers: dm,
		locks:   keylock.New(),
		logger:  log,
	}
}

// Open creates and persists a new WAITING ride.
func (m *Machine) Open(ctx context.Context, id, passengerID string, vt ride.VehicleType, pickup, destination geo.Point, routeID string) (*ride.Ride, error) {
	r, err := ride.NewRide(id, passengerID, vt, pickup, destination, routeID)
	if err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}
	metrics.RideTransitionsTotal.WithLabelValues(r.Status.String()).Inc()
	return r, nil
}

// Get loads a ride snapshot.
func (m *Machine) Get(ctx context.Context, rideID string) (*ride.Ride, error) {
	return m.store.Get(ctx, rideID)
}

// Transition applies one lifecycle step under the ride's lock.
//
// Re-applying the current status is an idempotent no-op success (for
// ASSIGNED only when the same driver asks again); a losing concurrent
// assignment surfaces ride.ErrInvalidStatusTransition.
func (m *Machine) Transition(ctx context.Context, rideID string, target ride.Status, tc TransitionContext) (*ride.Ride, error) {
	if !target.Valid() {
		return nil, ride.ErrInvalidStatus
	}

	m.locks.Lock(rideID)
	defer m.locks.Unlock(rideID)

	r, err := m.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	// idempotent re-delivery of the same transition
	if r.Status == target {
		if target == ride.StatusAssigned && r.BoundDriver() != tc.DriverID {
			metrics.AssignmentConflictsTotal.Inc()
			return nil, ride.ErrInvalidStatusTransition
		}
		return r, nil
	}

	ctx = logger.WithRideID(ctx, rideID)

	switch target {
	case ride.StatusAssigned:
		err = m.assign(ctx, r, tc)
	case ride.StatusPickedUp:
		err = r.MarkPickedUp(tc.DriverID)
	case ride.StatusCompleted:
		err = m.complete(ctx, r, tc)
	case ride.StatusCancelled:
		err = m.cancel(ctx, r, tc)
	default:
		err = ride.ErrInvalidStatusTransition
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	metrics.RideTransitionsTotal.WithLabelValues(r.Status.String()).Inc()
	m.logger.Info(ctx, "ride_transition", "Ride transitioned", map[string]any{
		"status": r.Status.String(), "driver_id": r.BoundDriver(),
	})
	return r, nil
}

// assign binds the driver first so the ride never points at a driver that
// was not reserved. If persisting the ride later fails the caller never
// sees ASSIGNED, and the driver binding is compensated here.
func (m *Machine) assign(ctx context.Context, r *ride.Ride, tc TransitionContext) error {
	if !r.Status.CanTransitionTo(ride.StatusAssigned) {
		metrics.AssignmentConflictsTotal.Inc()
		return ride.ErrInvalidStatusTransition
	}

	if _, err := m.drivers.Bind(ctx, tc.DriverID, r.ID); err != nil {
		if errors.Is(err, driver.ErrNotAvailable) {
			metrics.AssignmentConflictsTotal.Inc()
		}
		return err
	}

	if err := r.Assign(tc.DriverID); err != nil {
		if relErr := m.drivers.Release(ctx, tc.DriverID); relErr != nil {
			m.logger.Error(ctx, "assign_compensation_failed", "Driver left bound after failed assignment", relErr, map[string]any{
				"driver_id": tc.DriverID,
			})
		}
		return err
	}
	return nil
}

func (m *Machine) complete(ctx context.Context, r *ride.Ride, tc TransitionContext) error {
	if err := r.Complete(tc.Rating, tc.Feedback); err != nil {
		return err
	}
	if driverID := r.BoundDriver(); driverID != "" {
		if err := m.drivers.CompleteRide(ctx, driverID, tc.Rating); err != nil {
			m.logger.Error(ctx, "driver_release_failed", "Driver not released after completion", err, map[string]any{
				"driver_id": driverID,
			})
		}
	}
	return nil
}

func (m *Machine) cancel(ctx context.Context, r *ride.Ride, tc TransitionContext) error {
	if err := r.Cancel(tc.Reason, tc.Initiator); err != nil {
		return err
	}
	if driverID := r.BoundDriver(); driverID != "" {
		if err := m.drivers.Release(ctx, driverID); err != nil {
			m.logger.Error(ctx, "driver_release_failed", "Driver not released after cancellation", err, map[string]any{
				"driver_id": driverID,
			})
		}
	}
	return nil
}
