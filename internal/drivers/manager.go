// Package drivers coordinates driver availability, ride binding, and the
// geospatial index. All mutations of a driver are serialized through a
// per-driver lock so concurrent bind attempts see a consistent record.
package drivers

import (
	"context"
	"errors"
	"fmt"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/keylock"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/ports"
)

// Manager is the single writer for driver state. It owns the availability
// lifecycle (INACTIVE/ACTIVE/OFFLINE requested externally, BUSY only via
// Bind/Release) and mirrors ACTIVE drivers into the geo index.
type Manager struct {
	store  ports.DriverStore
	geoIdx ports.GeoIndex
	locks  *keylock.KeyLock
	logger *logger.Logger
}

// NewManager constructs a Manager.
func NewManager(store ports.DriverStore, geoIdx ports.GeoIndex, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		geoIdx: geoIdx,
		locks:  keylock.New(),
		logger: log,
	}
}

// Get loads a driver snapshot.
func (m *Manager) Get(ctx context.Context, driverID string) (*driver.Driver, error) {
	return m.store.Get(ctx, driverID)
}

// SetStatus applies an externally requested availability change. Drivers
// going OFFLINE or INACTIVE are removed from the geo index; ACTIVE drivers
// with a known location are (re)inserted.
func (m *Manager) SetStatus(ctx context.Context, driverID string, status driver.Status) (*driver.Driver, error) {
	m.locks.Lock(driverID)
	defer m.locks.Unlock(driverID)

	d, err := m.store.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := d.SetStatus(status); err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	m.syncGeoIndex(ctx, d)
	m.logger.Info(ctx, "driver_status_changed", "Driver availability updated", map[string]any{
		"driver_id": d.ID, "status": d.Status.String(),
	})
	return d, nil
}

// Bind reserves a driver for a ride: ACTIVE -> BUSY with the ride recorded.
// Rebinding the same ride succeeds idempotently; any other state fails with
// driver.ErrNotAvailable.
func (m *Manager) Bind(ctx context.Context, driverID, rideID string) (*driver.Driver, error) {
	m.locks.Lock(driverID)
	defer m.locks.Unlock(driverID)

	d, err := m.store.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := d.Bind(rideID); err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	// a busy driver must not show up in nearby searches
	if err := m.geoIdx.RemoveDriver(ctx, d.ID); err != nil {
		m.logger.Warn(ctx, "geo_remove_failed", "Could not remove busy driver from geo index", map[string]any{
			"driver_id": d.ID, "error": err.Error(),
		})
	}
	return d, nil
}

// Release frees a driver from its active ride, returning it to ACTIVE.
// Releasing a free driver is a no-op success.
func (m *Manager) Release(ctx context.Context, driverID string) error {
	m.locks.Lock(driverID)
	defer m.locks.Unlock(driverID)

	d, err := m.store.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if d.Status != driver.StatusBusy && d.ActiveRideID == nil {
		return nil
	}
	d.Release()
	if err := m.store.Update(ctx, d); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	m.syncGeoIndex(ctx, d)
	return nil
}

// CompleteRide releases the driver and folds an optional rating into its
// running average in one serialized step.
func (m *Manager) CompleteRide(ctx context.Context, driverID string, rating *float64) error {
	m.locks.Lock(driverID)
	defer m.locks.Unlock(driverID)

	d, err := m.store.Get(ctx, driverID)
	if err != nil {
		return err
	}
	d.Release()
	d.ApplyCompletion(rating)
	if err := m.store.Update(ctx, d); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	m.syncGeoIndex(ctx, d)
	m.logger.Info(ctx, "driver_ride_completed", "Driver released after completion", map[string]any{
		"driver_id": d.ID, "total_rides": d.TotalRides, "rating": d.Rating,
	})
	return nil
}

// RecordLocation stores a driver position sample, refreshing the geo index
// for ACTIVE drivers. It returns the driver's bound ride id ("" when free)
// so the fanout pipeline can scope delivery. Stale samples surface
// driver.ErrStaleLocation.
func (m *Manager) RecordLocation(ctx context.Context, driverID string, sample *geo.Sample) (string, error) {
	m.locks.Lock(driverID)
	defer m.locks.Unlock(driverID)

	d, err := m.store.Get(ctx, driverID)
	if err != nil {
		return "", err
	}
	if err := d.RecordLocation(sample); err != nil {
		return "", err
	}
	if err := m.store.Update(ctx, d); err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	m.syncGeoIndex(ctx, d)
	return d.ActiveRide(), nil
}

// syncGeoIndex keeps the searchable index aligned with the driver's state:
// only ACTIVE drivers with a known location are searchable. Index failures
// are logged, never surfaced; the store is the source of truth.
func (m *Manager) syncGeoIndex(ctx context.Context, d *driver.Driver) {
	var err error
	if d.Status == driver.StatusActive && d.Location != nil {
		err = m.geoIdx.UpsertDriver(ctx, d)
	} else {
		err = m.geoIdx.RemoveDriver(ctx, d.ID)
	}
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		m.logger.Warn(ctx, "geo_sync_failed", "Geo index out of sync with driver state", map[string]any{
			"driver_id": d.ID, "status": d.Status.String(), "error": err.Error(),
		})
	}
}
