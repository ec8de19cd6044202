package ports

import (
	"context"
	"errors"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/domain/user"
)

// Collaborator errors surfaced to callers. Persistence failures that are not
// a plain miss are wrapped in ErrServiceUnavailable by the callers of these
// ports; this core never retries them.
var (
	ErrNotFound           = errors.New("record not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RideStore persists rides. Implementations return ErrNotFound for a miss.
type RideStore interface {
	Create(ctx context.Context, r *ride.Ride) error
	Get(ctx context.Context, id string) (*ride.Ride, error)
	Update(ctx context.Context, r *ride.Ride) error
}

// DriverStore persists drivers. Implementations return ErrNotFound for a miss.
type DriverStore interface {
	Get(ctx context.Context, id string) (*driver.Driver, error)
	Update(ctx context.Context, d *driver.Driver) error
}

// LocationStore keeps the latest position per entity plus history.
// Last returns (nil, nil) when no sample has been recorded yet.
type LocationStore interface {
	Last(ctx context.Context, kind geo.EntityKind, entityID string) (*geo.Sample, error)
	Save(ctx context.Context, sample *geo.Sample) error
}

// NotificationStore persists durable notification records. MarkRead flags
// replayed records so a reconnect does not deliver them again.
type NotificationStore interface {
	Create(ctx context.Context, n *notification.Notification) error
	ListUnread(ctx context.Context, identity string) ([]*notification.Notification, error)
	MarkRead(ctx context.Context, ids []string) error
}

// IdentityStore resolves authenticated subjects. Returns ErrUserNotFound
// when the identity no longer exists.
type IdentityStore interface {
	Lookup(ctx context.Context, id string) (*user.Identity, error)
}

// NearbyDriver is one geospatial search hit.
type NearbyDriver struct {
	DriverID   string
	Point      geo.Point
	DistanceKM float64
}

// GeoIndex answers "which drivers are close to this point" and keeps the
// index current as drivers move.
type GeoIndex interface {
	UpsertDriver(ctx context.Context, d *driver.Driver) error
	RemoveDriver(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, p geo.Point, vt ride.VehicleType, radiusKM float64, limit int) ([]NearbyDriver, error)
}

// PushDeliverer hands notifications to the external push-delivery channel
// for recipients without a live connection. Delivery is best-effort; the
// durable record remains the source of truth.
type PushDeliverer interface {
	SendToIdentity(ctx context.Context, identity string, tokens []notification.PushToken, n *notification.Notification) error
	SendToRole(ctx context.Context, role user.Role, n *notification.Notification) error
}
