package ride

import (
	"errors"
	"strings"
	"time"

	"ride-dispatch/internal/domain/geo"
)

// Ride is the domain entity corresponding to the `rides` table.
type Ride struct {
	// Identity & audit
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Actors
	PassengerID string
	DriverID    *string // nil until assigned

	// Core state
	VehicleType VehicleType
	Status      Status
	RouteID     *string

	// Trip endpoints
	Pickup      geo.Point
	Destination geo.Point

	// Lifecycle timestamps
	RequestedAt time.Time
	AssignedAt  *time.Time
	PickedUpAt  *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	// Completion / cancellation details
	Rating             *float64
	Feedback           *string
	CancellationReason *string
	CancelledBy        *string
}

var (
	ErrRideIDRequired          = errors.New("ride id is required")
	ErrPassengerRequired       = errors.New("passenger id is required")
	ErrDriverRequired          = errors.New("driver id is required")
	ErrInvalidStatusTransition = errors.New("invalid ride status transition")
	ErrDriverMismatch          = errors.New("ride is bound to a different driver")
	ErrInvalidRating           = errors.New("rating must be between 1.0 and 5.0")
)

// NewRide creates a new ride in WAITING state.
func NewRide(id, passengerID string, vt VehicleType, pickup, destination geo.Point, routeID string) (*Ride, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrRideIDRequired
	}
	if passengerID = strings.TrimSpace(passengerID); passengerID == "" {
		return nil, ErrPassengerRequired
	}
	if !vt.Valid() {
		return nil, ErrInvalidVehicleType
	}
	if err := pickup.Validate(); err != nil {
		return nil, err
	}
	if err := destination.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ride := &Ride{
		ID:          id,
		CreatedAt:   now,
		UpdatedAt:   now,
		PassengerID: passengerID,
		VehicleType: vt,
		Status:      StatusWaiting,
		Pickup:      pickup,
		Destination: destination,
		RequestedAt: now,
	}
	if routeID = strings.TrimSpace(routeID); routeID != "" {
		ride.RouteID = &routeID
	}

	return ride, nil
}

// Assign binds the driver and moves WAITING -> ASSIGNED.
func (ride *Ride) Assign(driverID string) error {
	if driverID = strings.TrimSpace(driverID); driverID == "" {
		return ErrDriverRequired
	}
	if !ride.Status.CanTransitionTo(StatusAssigned) {
		return ErrInvalidStatusTransition
	}

	ride.DriverID = &driverID
	now := time.Now().UTC()
	ride.AssignedAt = &now
	ride.setStatus(StatusAssigned)
	return nil
}

// MarkPickedUp transitions ASSIGNED -> PICKED_UP. The caller must be the
// driver the ride is bound to.
func (ride *Ride) MarkPickedUp(driverID string) error {
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return ErrDriverMismatch
	}
	if !ride.Status.CanTransitionTo(StatusPickedUp) {
		return ErrInvalidStatusTransition
	}
	now := time.Now().UTC()
	ride.PickedUpAt = &now
	ride.setStatus(StatusPickedUp)
	return nil
}

// Complete transitions PICKED_UP -> COMPLETED and records optional rating/feedback.
func (ride *Ride) Complete(rating *float64, feedback string) error {
	if !ride.Status.CanTransitionTo(StatusCompleted) {
		return ErrInvalidStatusTransition
	}
	if rating != nil && (*rating < 1.0 || *rating > 5.0) {
		return ErrInvalidRating
	}
	now := time.Now().UTC()
	ride.CompletedAt = &now
	ride.Rating = rating
	if fb := strings.TrimSpace(feedback); fb != "" {
		ride.Feedback = &fb
	}
	ride.setStatus(StatusCompleted)
	return nil
}

// Cancel transitions any non-terminal state to CANCELLED and records the
// reason and the initiating party.
func (ride *Ride) Cancel(reason, initiator string) error {
	if !ride.Status.CanTransitionTo(StatusCancelled) {
		return ErrInvalidStatusTransition
	}
	now := time.Now().UTC()
	ride.CancelledAt = &now
	if rs := strings.TrimSpace(reason); rs != "" {
		ride.CancellationReason = &rs
	}
	if by := strings.TrimSpace(initiator); by != "" {
		ride.CancelledBy = &by
	}
	ride.setStatus(StatusCancelled)
	return nil
}

// BoundDriver returns the assigned driver id, or "" when none is bound.
func (ride *Ride) BoundDriver() string {
	if ride.DriverID == nil {
		return ""
	}
	return *ride.DriverID
}

// ----- internal helpers -----

func (ride *Ride) setStatus(status Status) {
	ride.Status = status
	ride.touch()
}

func (ride *Ride) touch() {
	ride.UpdatedAt = time.Now().UTC()
}
