// Package dispatch ties the ride state machine, driver availability, and
// the fanout surfaces together into the operations the transport exposes.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/notify"
	"ride-dispatch/internal/ports"
	"ride-dispatch/internal/registry"
	"ride-dispatch/internal/rides"
)

// ErrRideUnavailable means the ride cannot be taken: it no longer exists in
// a claimable state, usually because a concurrent driver won it.
var ErrRideUnavailable = errors.New("ride is no longer available")

// Coordinator is the application service behind the realtime transport.
type Coordinator struct {
	machine  *rides.Machine
	drivers  *drivers.Manager
	geoIdx   ports.GeoIndex
	registry *registry.Registry
	notify   *notify.Broadcaster
	logger   *logger.Logger

	searchRadiusKM float64
	searchLimit    int
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	machine *rides.Machine,
	dm *drivers.Manager,
	geoIdx ports.GeoIndex,
	reg *registry.Registry,
	broadcaster *notify.Broadcaster,
	log *logger.Logger,
	searchRadiusKM float64,
	searchLimit int,
) *Coordinator {
	return &Coordinator{
		machine:        machine,
		drivers:        dm,
		geoIdx:         geoIdx,
		registry:       reg,
		notify:         broadcaster,
		logger:         log,
		searchRadiusKM: searchRadiusKM,
		searchLimit:    searchLimit,
	}
}

// RideRequest is the input for opening a ride.
type RideRequest struct {
	VehicleType ride.VehicleType
	Pickup      geo.Point
	Destination geo.Point
	RouteID     string
}

// RequestRide opens a WAITING ride for a passenger and offers it to nearby
// free drivers of the requested vehicle type. The offer is a realtime
// event; drivers claim the ride with an assign request, first one wins.
func (c *Coordinator) RequestRide(ctx context.Context, passengerID string, req RideRequest) (*ride.Ride, error) {
	r, err := c.machine.Open(ctx, uuid.NewString(), passengerID, req.VehicleType, req.Pickup, req.Destination, req.RouteID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithRideID(ctx, r.ID)

	candidates, err := c.geoIdx.Nearby(ctx, req.Pickup, req.VehicleType, c.searchRadiusKM, c.searchLimit)
	if err != nil {
		// the ride still exists; drivers can discover it through later offers
		c.logger.Warn(ctx, "nearby_search_failed", "Geo search failed for new ride", map[string]any{
			"error": err.Error(),
		})
		return r, nil
	}

	offer := contracts.RideUpdatePayload{
		RideID:      r.ID,
		Status:      r.Status.String(),
		PassengerID: r.PassengerID,
	}
	offered := 0
	for _, cand := range candidates {
		if c.registry.SendToDriver(ctx, cand.DriverID, contracts.EventRideUpdate, offer) {
			offered++
		}
	}

	c.logger.Info(ctx, "ride_requested", "Ride opened and offered to nearby drivers", map[string]any{
		"passenger_id": passengerID, "vehicle_type": req.VehicleType.String(),
		"candidates": len(candidates), "offered": offered,
	})
	return r, nil
}

// AssignDriver claims a WAITING ride for a driver. Losing a concurrent
// claim, or claiming a ride past WAITING, surfaces ErrRideUnavailable; a
// repeated claim by the winning driver is an idempotent success.
func (c *Coordinator) AssignDriver(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	ctx = logger.WithRideID(ctx, rideID)

	r, err := c.machine.Transition(ctx, rideID, ride.StatusAssigned, rides.TransitionContext{DriverID: driverID})
	if err != nil {
		switch {
		case errors.Is(err, ride.ErrInvalidStatusTransition), errors.Is(err, driver.ErrNotAvailable):
			return nil, fmt.Errorf("%w: %v", ErrRideUnavailable, err)
		default:
			return nil, err
		}
	}

	c.announce(ctx, r)
	if _, err := c.notify.Notify(ctx,
		notification.ToIdentity(r.PassengerID),
		"Driver assigned",
		"A driver accepted your ride and is on the way.",
		"ride_assigned",
	); err != nil {
		c.logger.Warn(ctx, "assign_notify_failed", "Passenger notification not stored", map[string]any{
			"error": err.Error(),
		})
	}
	return r, nil
}

// UpdateStatus advances a ride (pickup, completion, cancellation) and fans
// the resulting state out to both parties.
func (c *Coordinator) UpdateStatus(ctx context.Context, rideID string, target ride.Status, tc rides.TransitionContext) (*ride.Ride, error) {
	ctx = logger.WithRideID(ctx, rideID)

	r, err := c.machine.Transition(ctx, rideID, target, tc)
	if err != nil {
		return nil, err
	}

	c.announce(ctx, r)

	switch r.Status {
	case ride.StatusCompleted:
		c.notifyPassenger(ctx, r, "Ride completed", "Thanks for riding with us.", "ride_completed")
	case ride.StatusCancelled:
		c.notifyPassenger(ctx, r, "Ride cancelled", "Your ride was cancelled.", "ride_cancelled")
	}
	return r, nil
}

// GetRide loads a ride snapshot.
func (c *Coordinator) GetRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	return c.machine.Get(ctx, rideID)
}

// SetDriverStatus applies an availability change requested by the driver.
func (c *Coordinator) SetDriverStatus(ctx context.Context, driverID string, status driver.Status) (*driver.Driver, error) {
	return c.drivers.SetStatus(ctx, driverID, status)
}

// announce pushes the current ride state to both parties over their live
// connections. Missing connections are fine; the notification channel
// covers the durable path.
func (c *Coordinator) announce(ctx context.Context, r *ride.Ride) {
	update := contracts.RideUpdatePayload{
		RideID:      r.ID,
		Status:      r.Status.String(),
		DriverID:    r.BoundDriver(),
		PassengerID: r.PassengerID,
	}
	c.registry.SendToIdentity(ctx, r.PassengerID, contracts.EventRideUpdate, update)
	if driverID := r.BoundDriver(); driverID != "" {
		c.registry.SendToDriver(ctx, driverID, contracts.EventRideUpdate, update)
	}
}

func (c *Coordinator) notifyPassenger(ctx context.Context, r *ride.Ride, title, message, category string) {
	if _, err := c.notify.Notify(ctx, notification.ToIdentity(r.PassengerID), title, message, category); err != nil {
		c.logger.Warn(ctx, "ride_notify_failed", "Passenger notification not stored", map[string]any{
			"category": category, "error": err.Error(),
		})
	}
}
