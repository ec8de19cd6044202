package drivers

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/ports"
)

type memDriverStore struct {
	mu      sync.Mutex
	drivers map[string]*driver.Driver
}

func newMemDriverStore() *memDriverStore {
	return &memDriverStore{drivers: make(map[string]*driver.Driver)}
}

func (s *memDriverStore) Get(_ context.Context, id string) (*driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memDriverStore) Update(_ context.Context, d *driver.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.drivers[d.ID] = &cp
	return nil
}

type fakeGeoIndex struct {
	mu      sync.Mutex
	indexed map[string]bool
}

func newFakeGeoIndex() *fakeGeoIndex {
	return &fakeGeoIndex{indexed: make(map[string]bool)}
}

func (f *fakeGeoIndex) UpsertDriver(_ context.Context, d *driver.Driver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[d.ID] = true
	return nil
}

func (f *fakeGeoIndex) RemoveDriver(_ context.Context, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, driverID)
	return nil
}

func (f *fakeGeoIndex) Nearby(_ context.Context, _ geo.Point, _ ride.VehicleType, _ float64, _ int) ([]ports.NearbyDriver, error) {
	return nil, nil
}

func (f *fakeGeoIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexed[id]
}

func newTestManager(t *testing.T) (*Manager, *memDriverStore, *fakeGeoIndex) {
	t.Helper()
	store := newMemDriverStore()
	idx := newFakeGeoIndex()
	mgr := NewManager(store, idx, logger.NewWithOutput("test", io.Discard, "error"))
	return mgr, store, idx
}

func seedDriver(t *testing.T, store *memDriverStore, id string, status driver.Status) {
	t.Helper()
	d, err := driver.NewDriver(id, "user-"+id, ride.VehicleEconomy)
	require.NoError(t, err)
	d.Status = status
	require.NoError(t, store.Update(context.Background(), d))
}

func TestSetStatusPersistsAndSyncsIndex(t *testing.T) {
	mgr, store, idx := newTestManager(t)
	ctx := context.Background()
	seedDriver(t, store, "drv-1", driver.StatusOffline)

	d, err := mgr.SetStatus(ctx, "drv-1", driver.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, d.Status)
	// no location yet, so not searchable
	assert.False(t, idx.has("drv-1"))

	sample, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 1, Lng: 1}, time.Now())
	require.NoError(t, err)
	_, err = mgr.RecordLocation(ctx, "drv-1", sample)
	require.NoError(t, err)
	assert.True(t, idx.has("drv-1"))

	_, err = mgr.SetStatus(ctx, "drv-1", driver.StatusOffline)
	require.NoError(t, err)
	assert.False(t, idx.has("drv-1"))
}

func TestBindRemovesFromIndexAndReleaseRestores(t *testing.T) {
	mgr, store, idx := newTestManager(t)
	ctx := context.Background()
	seedDriver(t, store, "drv-1", driver.StatusActive)

	sample, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 1, Lng: 1}, time.Now())
	require.NoError(t, err)
	_, err = mgr.RecordLocation(ctx, "drv-1", sample)
	require.NoError(t, err)
	require.True(t, idx.has("drv-1"))

	d, err := mgr.Bind(ctx, "drv-1", "ride-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusBusy, d.Status)
	assert.False(t, idx.has("drv-1"))

	require.NoError(t, mgr.Release(ctx, "drv-1"))
	got, err := mgr.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, got.Status)
	assert.True(t, idx.has("drv-1"))
}

func TestConcurrentBindsOneWinner(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()
	seedDriver(t, store, "drv-1", driver.StatusActive)

	const claims = 16
	errs := make(chan error, claims)
	var wg sync.WaitGroup
	wg.Add(claims)
	for i := 0; i < claims; i++ {
		rideID := "ride-a"
		if i%2 == 1 {
			rideID = "ride-b"
		}
		go func(id string) {
			defer wg.Done()
			_, err := mgr.Bind(ctx, "drv-1", id)
			errs <- err
		}(rideID)
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, driver.ErrNotAvailable)
		}
	}
	// every successful claim was for the same ride
	d, err := mgr.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusBusy, d.Status)
	assert.GreaterOrEqual(t, won, 1)
	assert.NotEmpty(t, d.ActiveRide())
}

func TestCompleteRideReleasesAndRates(t *testing.T) {
	mgr, store, idx := newTestManager(t)
	ctx := context.Background()
	seedDriver(t, store, "drv-1", driver.StatusActive)

	sample, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 1, Lng: 1}, time.Now())
	require.NoError(t, err)
	_, err = mgr.RecordLocation(ctx, "drv-1", sample)
	require.NoError(t, err)

	_, err = mgr.Bind(ctx, "drv-1", "ride-1")
	require.NoError(t, err)

	rating := 4.0
	require.NoError(t, mgr.CompleteRide(ctx, "drv-1", &rating))

	d, err := mgr.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, d.Status)
	assert.Empty(t, d.ActiveRide())
	assert.Equal(t, 1, d.TotalRides)
	assert.InDelta(t, 4.0, d.Rating, 1e-9)
	assert.True(t, idx.has("drv-1"))
}

func TestRecordLocationReturnsActiveRide(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()
	seedDriver(t, store, "drv-1", driver.StatusActive)

	now := time.Now()
	s1, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 1, Lng: 1}, now)
	require.NoError(t, err)
	rideID, err := mgr.RecordLocation(ctx, "drv-1", s1)
	require.NoError(t, err)
	assert.Empty(t, rideID)

	_, err = mgr.Bind(ctx, "drv-1", "ride-1")
	require.NoError(t, err)

	s2, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 2, Lng: 2}, now.Add(time.Second))
	require.NoError(t, err)
	rideID, err = mgr.RecordLocation(ctx, "drv-1", s2)
	require.NoError(t, err)
	assert.Equal(t, "ride-1", rideID)

	// stale sample surfaces the domain error
	s3, err := geo.NewSample("drv-1", geo.EntityDriver, geo.Point{Lat: 3, Lng: 3}, now)
	require.NoError(t, err)
	_, err = mgr.RecordLocation(ctx, "drv-1", s3)
	assert.ErrorIs(t, err, driver.ErrStaleLocation)
}

func TestUnknownDriver(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.SetStatus(context.Background(), "ghost", driver.StatusActive)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
