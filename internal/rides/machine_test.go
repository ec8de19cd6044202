package rides

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/ports"
)

type memRideStore struct {
	mu    sync.Mutex
	rides map[string]*ride.Ride
}

func newMemRideStore() *memRideStore {
	return &memRideStore{rides: make(map[string]*ride.Ride)}
}

func (s *memRideStore) Create(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rides[r.ID] = &cp
	return nil
}

func (s *memRideStore) Get(_ context.Context, id string) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRideStore) Update(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rides[r.ID] = &cp
	return nil
}

type memDriverStore struct {
	mu      sync.Mutex
	drivers map[string]*driver.Driver
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

type nopGeoIndex struct{}

func (nopGeoIndex) UpsertDriver(context.Context, *driver.Driver) error { return nil }
func (nopGeoIndex) RemoveDriver(context.Context, string) error         { return nil }
func (nopGeoIndex) Nearby(context.Context, geo.Point, ride.VehicleType, float64, int) ([]ports.NearbyDriver, error) {
	return nil, nil
}

type fixture struct {
	machine     *Machine
	rideStore   *memRideStore
	driverStore *memDriverStore
	manager     *drivers.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewWithOutput("test", io.Discard, "error")
	rideStore := newMemRideStore()
	driverStore := &memDriverStore{drivers: make(map[string]*driver.Driver)}
	manager := drivers.NewManager(driverStore, nopGeoIndex{}, log)
	return &fixture{
		machine:     NewMachine(rideStore, manager, log),
		rideStore:   rideStore,
		driverStore: driverStore,
		manager:     manager,
	}
}

func (f *fixture) seedDriver(t *testing.T, id string) {
	t.Helper()
	d, err := driver.NewDriver(id, "user-"+id, ride.VehicleEconomy)
	require.NoError(t, err)
	d.Status = driver.StatusActive
	require.NoError(t, f.driverStore.Update(context.Background(), d))
}

func (f *fixture) openRide(t *testing.T, id string) *ride.Ride {
	t.Helper()
	r, err := f.machine.Open(context.Background(), id, "pass-1", ride.VehicleEconomy,
		geo.Point{Lat: 1, Lng: 1}, geo.Point{Lat: 2, Lng: 2}, "")
	require.NoError(t, err)
	return r
}

func TestOpenPersistsWaitingRide(t *testing.T) {
	f := newFixture(t)
	r := f.openRide(t, "ride-1")
	assert.Equal(t, ride.StatusWaiting, r.Status)

	got, err := f.machine.Get(context.Background(), "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusWaiting, got.Status)
}

func TestAssignBindsDriverAndRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.openRide(t, "ride-1")

	r, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAssigned, r.Status)
	assert.Equal(t, "drv-1", r.BoundDriver())

	d, err := f.driverStore.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusBusy, d.Status)
	assert.Equal(t, "ride-1", d.ActiveRide())
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openRide(t, "ride-1")

	const contenders = 12
	for i := 0; i < contenders; i++ {
		f.seedDriver(t, driverID(i))
	}

	winners := make(chan string, contenders)
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(id string) {
			defer wg.Done()
			if _, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: id}); err == nil {
				winners <- id
			} else {
				assert.ErrorIs(t, err, ride.ErrInvalidStatusTransition)
			}
		}(driverID(i))
	}
	wg.Wait()
	close(winners)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	require.Len(t, won, 1)

	r, err := f.machine.Get(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, won[0], r.BoundDriver())

	// exactly one driver ended BUSY
	busy := 0
	for i := 0; i < contenders; i++ {
		d, err := f.driverStore.Get(ctx, driverID(i))
		require.NoError(t, err)
		if d.Status == driver.StatusBusy {
			busy++
			assert.Equal(t, "ride-1", d.ActiveRide())
		}
	}
	assert.Equal(t, 1, busy)
}

func driverID(i int) string {
	return "drv-" + string(rune('a'+i))
}

func TestAssignIsIdempotentForWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.openRide(t, "ride-1")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	// redelivery of the winning claim succeeds without side effects
	r, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAssigned, r.Status)

	// a different driver claiming the assigned ride loses
	f.seedDriver(t, "drv-2")
	_, err = f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-2"})
	assert.ErrorIs(t, err, ride.ErrInvalidStatusTransition)
}

func TestUnavailableDriverFailsAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.openRide(t, "ride-1")
	f.openRide(t, "ride-2")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	// the busy driver cannot take a second ride; the ride stays WAITING
	_, err = f.machine.Transition(ctx, "ride-2", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	assert.ErrorIs(t, err, driver.ErrNotAvailable)

	r, err := f.machine.Get(ctx, "ride-2")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusWaiting, r.Status)
}

func TestCompletionReleasesDriverAndRecordsRating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.openRide(t, "ride-1")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, "ride-1", ride.StatusPickedUp, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	rating := 5.0
	r, err := f.machine.Transition(ctx, "ride-1", ride.StatusCompleted, TransitionContext{Rating: &rating, Feedback: "great"})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCompleted, r.Status)

	d, err := f.driverStore.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, d.Status)
	assert.Equal(t, 1, d.TotalRides)
	assert.Equal(t, 1, d.RatingCount)
}

func TestCancelReleasesBoundDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.openRide(t, "ride-1")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	r, err := f.machine.Transition(ctx, "ride-1", ride.StatusCancelled, TransitionContext{Reason: "no show", Initiator: "pass-1"})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, r.Status)

	d, err := f.driverStore.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, d.Status)
	assert.Empty(t, d.ActiveRide())
}

func TestTerminalRideRejectsFurtherTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openRide(t, "ride-1")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusCancelled, TransitionContext{Initiator: "pass-1"})
	require.NoError(t, err)

	// cancelling again is idempotent
	_, err = f.machine.Transition(ctx, "ride-1", ride.StatusCancelled, TransitionContext{Initiator: "pass-1"})
	assert.NoError(t, err)

	f.seedDriver(t, "drv-1")
	_, err = f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	assert.ErrorIs(t, err, ride.ErrInvalidStatusTransition)
}

func TestPickupRequiresAssignedDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.seedDriver(t, "drv-2")
	f.openRide(t, "ride-1")

	_, err := f.machine.Transition(ctx, "ride-1", ride.StatusAssigned, TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, "ride-1", ride.StatusPickedUp, TransitionContext{DriverID: "drv-2"})
	assert.ErrorIs(t, err, ride.ErrDriverMismatch)
}

func TestUnknownRide(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Transition(context.Background(), "ghost", ride.StatusCancelled, TransitionContext{})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
