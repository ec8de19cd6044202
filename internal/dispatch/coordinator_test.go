package dispatch

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/notify"
	"ride-dispatch/internal/ports"
	"ride-dispatch/internal/registry"
	"ride-dispatch/internal/rides"
)

// ----- fakes -----

type memRideStore struct {
	mu    sync.Mutex
	rides map[string]*ride.Ride
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

type fixedGeoIndex struct {
	hits []ports.NearbyDriver
}

func (f *fixedGeoIndex) UpsertDriver(context.Context, *driver.Driver) error { return nil }
func (f *fixedGeoIndex) RemoveDriver(context.Context, string) error         { return nil }
func (f *fixedGeoIndex) Nearby(context.Context, geo.Point, ride.VehicleType, float64, int) ([]ports.NearbyDriver, error) {
	return f.hits, nil
}

type memNotificationStore struct {
	mu      sync.Mutex
	created []*notification.Notification
}

func (s *memNotificationStore) Create(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, n)
	return nil
}

func (s *memNotificationStore) ListUnread(context.Context, string) ([]*notification.Notification, error) {
	return nil, nil
}

func (s *memNotificationStore) MarkRead(context.Context, []string) error { return nil }

func (s *memNotificationStore) categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.created))
	for _, n := range s.created {
		out = append(out, n.Category)
	}
	return out
}

type emptyIdentityStore struct{}

func (emptyIdentityStore) Lookup(context.Context, string) (*user.Identity, error) {
	return nil, ports.ErrUserNotFound
}

type captureSender struct {
	mu     sync.Mutex
	events []contracts.Envelope
}

func (c *captureSender) SendEvent(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, contracts.Envelope{Type: event, Data: payload})
	return nil
}

func (c *captureSender) Close() error { return nil }

func (c *captureSender) received(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == event {
			n++
		}
	}
	return n
}

// ----- fixture -----

type fixture struct {
	coordinator   *Coordinator
	rideStore     *memRideStore
	driverStore   *memDriverStore
	geoIdx        *fixedGeoIndex
	registry      *registry.Registry
	notifications *memNotificationStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewWithOutput("test", io.Discard, "error")
	rideStore := &memRideStore{rides: make(map[string]*ride.Ride)}
	driverStore := &memDriverStore{drivers: make(map[string]*driver.Driver)}
	geoIdx := &fixedGeoIndex{}
	reg := registry.New(log)
	notifications := &memNotificationStore{}

	dm := drivers.NewManager(driverStore, geoIdx, log)
	machine := rides.NewMachine(rideStore, dm, log)
	broadcaster := notify.NewBroadcaster(notifications, reg, emptyIdentityStore{}, nil, log)

	return &fixture{
		coordinator:   NewCoordinator(machine, dm, geoIdx, reg, broadcaster, log, 5.0, 10),
		rideStore:     rideStore,
		driverStore:   driverStore,
		geoIdx:        geoIdx,
		registry:      reg,
		notifications: notifications,
	}
}

func (f *fixture) seedDriver(t *testing.T, id string) {
	t.Helper()
	d, err := driver.NewDriver(id, "user-"+id, ride.VehicleEconomy)
	require.NoError(t, err)
	d.Status = driver.StatusActive
	require.NoError(t, f.driverStore.Update(context.Background(), d))
}

func (f *fixture) connectDriver(ctx context.Context, driverID string) *captureSender {
	s := &captureSender{}
	f.registry.Register(ctx, registry.NewConn("conn-"+driverID, "user-"+driverID, user.RoleDriver, driverID, false, s))
	return s
}

func economyRequest() RideRequest {
	return RideRequest{
		VehicleType: ride.VehicleEconomy,
		Pickup:      geo.Point{Lat: 1, Lng: 1},
		Destination: geo.Point{Lat: 2, Lng: 2},
	}
}

// ----- tests -----

func TestRequestRideOffersToNearbyDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.seedDriver(t, "drv-2")
	f.geoIdx.hits = []ports.NearbyDriver{
		{DriverID: "drv-1", DistanceKM: 0.4},
		{DriverID: "drv-2", DistanceKM: 1.1},
	}
	d1 := f.connectDriver(ctx, "drv-1")
	d2 := f.connectDriver(ctx, "drv-2")

	r, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)
	assert.Equal(t, ride.StatusWaiting, r.Status)
	assert.Equal(t, 1, d1.received(contracts.EventRideUpdate))
	assert.Equal(t, 1, d2.received(contracts.EventRideUpdate))
}

func TestAssignWinnerAndLoser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")
	f.seedDriver(t, "drv-2")

	r, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)

	won, err := f.coordinator.AssignDriver(ctx, r.ID, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, "drv-1", won.BoundDriver())

	_, err = f.coordinator.AssignDriver(ctx, r.ID, "drv-2")
	assert.ErrorIs(t, err, ErrRideUnavailable)

	// passenger got the durable assignment notification
	assert.Contains(t, f.notifications.categories(), "ride_assigned")
}

func TestAssignIdempotentForWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")

	r, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)

	_, err = f.coordinator.AssignDriver(ctx, r.ID, "drv-1")
	require.NoError(t, err)
	again, err := f.coordinator.AssignDriver(ctx, r.ID, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAssigned, again.Status)
}

func TestBusyDriverCannotClaimSecondRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")

	first, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)
	second, err := f.coordinator.RequestRide(ctx, "pass-2", economyRequest())
	require.NoError(t, err)

	_, err = f.coordinator.AssignDriver(ctx, first.ID, "drv-1")
	require.NoError(t, err)
	_, err = f.coordinator.AssignDriver(ctx, second.ID, "drv-1")
	assert.ErrorIs(t, err, ErrRideUnavailable)
}

func TestStatusUpdatesAnnounceToBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")

	passenger := &captureSender{}
	f.registry.Register(ctx, registry.NewConn("cp", "pass-1", user.RolePassenger, "", false, passenger))
	driverConn := f.connectDriver(ctx, "drv-1")

	r, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)

	_, err = f.coordinator.AssignDriver(ctx, r.ID, "drv-1")
	require.NoError(t, err)
	_, err = f.coordinator.UpdateStatus(ctx, r.ID, ride.StatusPickedUp, rides.TransitionContext{DriverID: "drv-1"})
	require.NoError(t, err)

	rating := 4.5
	done, err := f.coordinator.UpdateStatus(ctx, r.ID, ride.StatusCompleted, rides.TransitionContext{Rating: &rating})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCompleted, done.Status)

	// assign + pickup + complete each announce to both sides
	assert.Equal(t, 3, passenger.received(contracts.EventRideUpdate))
	assert.Equal(t, 3, driverConn.received(contracts.EventRideUpdate))
	assert.Contains(t, f.notifications.categories(), "ride_completed")

	d, err := f.driverStore.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusActive, d.Status)
}

func TestCancellationNotifiesPassenger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.coordinator.RequestRide(ctx, "pass-1", economyRequest())
	require.NoError(t, err)

	cancelled, err := f.coordinator.UpdateStatus(ctx, r.ID, ride.StatusCancelled,
		rides.TransitionContext{Reason: "changed my mind", Initiator: "pass-1"})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, cancelled.Status)
	assert.Contains(t, f.notifications.categories(), "ride_cancelled")
}

func TestSetDriverStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDriver(t, "drv-1")

	d, err := f.coordinator.SetDriverStatus(ctx, "drv-1", driver.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusInactive, d.Status)

	_, err = f.coordinator.SetDriverStatus(ctx, "drv-1", driver.StatusBusy)
	assert.ErrorIs(t, err, driver.ErrBusyReserved)
}

func TestGetRideUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.GetRide(context.Background(), "ghost")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
