package driver

import (
	"errors"
	"strings"
	"time"

	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
)

// Driver is the domain entity corresponding to the `drivers` table.
// Invariant: Status == BUSY exactly when ActiveRideID != nil. The only
// entry points that flip BUSY are Bind and Release.
type Driver struct {
	// Identity & audit
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Operational state
	VehicleType  ride.VehicleType
	Status       Status
	ActiveRideID *string
	Location     *geo.Sample
	LastActiveAt time.Time

	// Aggregates
	Rating      float64
	RatingCount int
	TotalRides  int
}

var (
	ErrDriverIDRequired = errors.New("driver id is required")
	ErrUserIDRequired   = errors.New("user id is required")
	ErrRideIDRequired   = errors.New("ride id is required")
	ErrNotAvailable     = errors.New("driver is not available")
	ErrBusyReserved     = errors.New("busy status is reserved for ride assignment")
	ErrBusy             = errors.New("driver has an active ride")
	ErrStaleLocation    = errors.New("location sample is older than the last recorded one")
)

// NewDriver creates a new Driver entity with sane defaults.
func NewDriver(id, userID string, vehicleType ride.VehicleType) (*Driver, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrDriverIDRequired
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return nil, ErrUserIDRequired
	}
	if !vehicleType.Valid() {
		return nil, ride.ErrInvalidVehicleType
	}

	now := time.Now().UTC()
	return &Driver{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		VehicleType:  vehicleType,
		Status:       StatusOffline,
		LastActiveAt: now,
		Rating:       5.0,
	}, nil
}

// SetStatus applies an externally requested availability change. BUSY is
// rejected outright, and a BUSY driver cannot change availability until
// the active ride is released.
func (driver *Driver) SetStatus(status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if status == StatusBusy {
		return ErrBusyReserved
	}
	if driver.Status == StatusBusy {
		return ErrBusy
	}
	driver.setStatus(status)
	return nil
}

// Bind transitions ACTIVE -> BUSY and records the active ride.
// Rebinding the same ride is a no-op success to tolerate redelivery.
func (driver *Driver) Bind(rideID string) error {
	if rideID = strings.TrimSpace(rideID); rideID == "" {
		return ErrRideIDRequired
	}
	if driver.Status == StatusBusy && driver.ActiveRideID != nil && *driver.ActiveRideID == rideID {
		return nil
	}
	if driver.Status != StatusActive {
		return ErrNotAvailable
	}
	driver.ActiveRideID = &rideID
	driver.setStatus(StatusBusy)
	return nil
}

// Release clears the active ride and returns the driver to ACTIVE.
// Releasing an already-free driver is a no-op success.
func (driver *Driver) Release() {
	if driver.Status != StatusBusy && driver.ActiveRideID == nil {
		return
	}
	driver.ActiveRideID = nil
	driver.setStatus(StatusActive)
}

// RecordLocation stores a position sample and refreshes LastActiveAt.
// Samples older than the last recorded one are rejected.
func (driver *Driver) RecordLocation(sample *geo.Sample) error {
	if !sample.NewerThan(driver.Location) {
		return ErrStaleLocation
	}
	driver.Location = sample
	driver.LastActiveAt = sample.RecordedAt
	driver.touch()
	return nil
}

// ApplyCompletion bumps the ride counter and folds an optional rating into
// the count-weighted running average.
func (driver *Driver) ApplyCompletion(rating *float64) {
	driver.TotalRides++
	if rating != nil {
		total := driver.Rating*float64(driver.RatingCount) + *rating
		driver.RatingCount++
		driver.Rating = total / float64(driver.RatingCount)
	}
	driver.touch()
}

// ActiveRide returns the bound ride id, or "" when the driver is free.
func (driver *Driver) ActiveRide() string {
	if driver.ActiveRideID == nil {
		return ""
	}
	return *driver.ActiveRideID
}

// ---- internal helpers ----

func (driver *Driver) setStatus(status Status) {
	driver.Status = status
	driver.touch()
}

func (driver *Driver) touch() {
	driver.UpdatedAt = time.Now().UTC()
}
