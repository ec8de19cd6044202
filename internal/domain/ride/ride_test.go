package ride

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ride-dispatch/internal/domain/geo"
)

func newTestRide(t *testing.T) *Ride {
	t.Helper()
	r, err := NewRide("ride-1", "pass-1", VehicleEconomy, geo.Point{Lat: 1, Lng: 2}, geo.Point{Lat: 3, Lng: 4}, "")
	require.NoError(t, err)
	return r
}

func TestNewRideStartsWaiting(t *testing.T) {
	r := newTestRide(t)
	assert.Equal(t, StatusWaiting, r.Status)
	assert.Nil(t, r.DriverID)
	assert.False(t, r.RequestedAt.IsZero())
}

func TestNewRideValidation(t *testing.T) {
	_, err := NewRide("", "pass-1", VehicleEconomy, geo.Point{}, geo.Point{}, "")
	assert.ErrorIs(t, err, ErrRideIDRequired)

	_, err = NewRide("ride-1", "", VehicleEconomy, geo.Point{}, geo.Point{}, "")
	assert.ErrorIs(t, err, ErrPassengerRequired)

	_, err = NewRide("ride-1", "pass-1", VehicleType("BOAT"), geo.Point{}, geo.Point{}, "")
	assert.ErrorIs(t, err, ErrInvalidVehicleType)

	_, err = NewRide("ride-1", "pass-1", VehicleEconomy, geo.Point{Lat: 91}, geo.Point{}, "")
	assert.ErrorIs(t, err, geo.ErrInvalidLatitude)
}

func TestFullLifecycle(t *testing.T) {
	r := newTestRide(t)

	require.NoError(t, r.Assign("drv-1"))
	assert.Equal(t, StatusAssigned, r.Status)
	assert.Equal(t, "drv-1", r.BoundDriver())
	require.NotNil(t, r.AssignedAt)

	require.NoError(t, r.MarkPickedUp("drv-1"))
	assert.Equal(t, StatusPickedUp, r.Status)

	rating := 4.5
	require.NoError(t, r.Complete(&rating, "  smooth ride "))
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.Feedback)
	assert.Equal(t, "smooth ride", *r.Feedback)
	assert.True(t, r.Status.Terminal())
}

func TestPickupRequiresBoundDriver(t *testing.T) {
	r := newTestRide(t)
	require.NoError(t, r.Assign("drv-1"))

	err := r.MarkPickedUp("drv-2")
	assert.ErrorIs(t, err, ErrDriverMismatch)
	assert.Equal(t, StatusAssigned, r.Status)
}

func TestCompleteRejectsOutOfRangeRating(t *testing.T) {
	r := newTestRide(t)
	require.NoError(t, r.Assign("drv-1"))
	require.NoError(t, r.MarkPickedUp("drv-1"))

	for _, bad := range []float64{0.5, 5.5, -1} {
		rating := bad
		assert.ErrorIs(t, r.Complete(&rating, ""), ErrInvalidRating)
	}
	assert.Equal(t, StatusPickedUp, r.Status)

	require.NoError(t, r.Complete(nil, ""))
	assert.Nil(t, r.Rating)
}

func TestCancelFromEveryNonTerminalState(t *testing.T) {
	// WAITING
	r := newTestRide(t)
	require.NoError(t, r.Cancel("changed my mind", "pass-1"))
	assert.Equal(t, StatusCancelled, r.Status)
	require.NotNil(t, r.CancellationReason)
	assert.Equal(t, "changed my mind", *r.CancellationReason)

	// ASSIGNED
	r = newTestRide(t)
	require.NoError(t, r.Assign("drv-1"))
	require.NoError(t, r.Cancel("", "drv-1"))
	assert.Nil(t, r.CancellationReason)

	// PICKED_UP
	r = newTestRide(t)
	require.NoError(t, r.Assign("drv-1"))
	require.NoError(t, r.MarkPickedUp("drv-1"))
	require.NoError(t, r.Cancel("emergency", "drv-1"))
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	r := newTestRide(t)
	require.NoError(t, r.Cancel("", "pass-1"))

	assert.ErrorIs(t, r.Assign("drv-1"), ErrInvalidStatusTransition)
	assert.ErrorIs(t, r.Complete(nil, ""), ErrInvalidStatusTransition)
	assert.ErrorIs(t, r.Cancel("", "pass-1"), ErrInvalidStatusTransition)
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusWaiting, StatusAssigned, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusPickedUp, false},
		{StatusWaiting, StatusCompleted, false},
		{StatusAssigned, StatusPickedUp, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusAssigned, StatusCompleted, false},
		{StatusPickedUp, StatusCompleted, true},
		{StatusPickedUp, StatusCancelled, true},
		{StatusPickedUp, StatusAssigned, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusAssigned, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatusNormalizes(t *testing.T) {
	s, err := ParseStatus("  picked_up ")
	require.NoError(t, err)
	assert.Equal(t, StatusPickedUp, s)

	_, err = ParseStatus("DRIVING")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
