// Package fanout ingests location samples and distributes them to the
// parties entitled to see them: the ride counterparty, admin watchers,
// route subscribers, and the analytics stream.
package fanout

import (
	"context"
	"errors"
	"time"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/metrics"
	"ride-dispatch/internal/ports"
	"ride-dispatch/internal/registry"
)

// LocationStreamer hands accepted samples to the analytics stream.
// Publishing is best-effort: failures never block or fail ingestion.
type LocationStreamer interface {
	Publish(ctx context.Context, update contracts.LocationUpdate) error
}

// Sample is one inbound position report tied to its origin connection.
type Sample struct {
	ConnID    string
	Identity  string
	Role      user.Role
	DriverID  string
	Anonymous bool

	Point      geo.Point
	RideID     string
	RecordedAt time.Time
}

// Pipeline validates, stores, and fans out location samples.
type Pipeline struct {
	locations ports.LocationStore
	rides     ports.RideStore
	drivers   *drivers.Manager
	registry  *registry.Registry
	streamer  LocationStreamer
	logger    *logger.Logger
}

// NewPipeline constructs a Pipeline. streamer may be nil when no analytics
// sink is configured.
func NewPipeline(
	locations ports.LocationStore,
	rideStore ports.RideStore,
	dm *drivers.Manager,
	reg *registry.Registry,
	streamer LocationStreamer,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		locations: locations,
		rides:     rideStore,
		drivers:   dm,
		registry:  reg,
		streamer:  streamer,
		logger:    log,
	}
}

// Ingest processes one sample end to end.
//
// Invalid samples return an error for the transport to surface. Stale
// samples (older than the last stored one for the entity) are dropped
// silently: counted and logged, nil returned, nothing fanned out.
func (p *Pipeline) Ingest(ctx context.Context, in Sample) error {
	entityID, kind := p.entityOf(in)

	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	sample, err := geo.NewSample(entityID, kind, in.Point, recordedAt)
	if err != nil {
		metrics.LocationSamplesTotal.WithLabelValues("invalid").Inc()
		return err
	}

	last, err := p.locations.Last(ctx, kind, entityID)
	if err != nil {
		return err
	}
	if !sample.NewerThan(last) {
		p.dropStale(ctx, sample)
		return nil
	}

	if err := p.locations.Save(ctx, sample); err != nil {
		return err
	}
	metrics.LocationSamplesTotal.WithLabelValues("accepted").Inc()

	activeRideID := ""
	if kind == geo.EntityDriver {
		activeRideID, err = p.drivers.RecordLocation(ctx, entityID, sample)
		if err != nil {
			if errors.Is(err, driver.ErrStaleLocation) {
				p.dropStale(ctx, sample)
				return nil
			}
			if !errors.Is(err, ports.ErrNotFound) {
				return err
			}
			// location-only device with no driver record; fan out anyway
			activeRideID = ""
		}
	}

	rideID := in.RideID
	if rideID == "" {
		rideID = activeRideID
	}

	update := contracts.LocationUpdate{
		EntityID:   sample.EntityID,
		Kind:       sample.Kind.String(),
		Lat:        sample.Point.Lat,
		Lng:        sample.Point.Lng,
		RideID:     rideID,
		RecordedAt: sample.RecordedAt,
	}

	p.stream(ctx, update)
	p.deliver(ctx, in, update)
	return nil
}

// entityOf picks the sample's entity key: drivers report under their driver
// id, everyone else under their identity.
func (p *Pipeline) entityOf(in Sample) (string, geo.EntityKind) {
	if in.Role.IsDriver() && in.DriverID != "" {
		return in.DriverID, geo.EntityDriver
	}
	return in.Identity, geo.EntityPassenger
}

func (p *Pipeline) dropStale(ctx context.Context, sample *geo.Sample) {
	metrics.LocationSamplesTotal.WithLabelValues("stale").Inc()
	p.logger.Debug(ctx, "location_stale_dropped", "Dropped out-of-order location sample", map[string]any{
		"entity_id": sample.EntityID, "kind": sample.Kind.String(), "recorded_at": sample.RecordedAt,
	})
}

func (p *Pipeline) stream(ctx context.Context, update contracts.LocationUpdate) {
	if p.streamer == nil {
		return
	}
	if err := p.streamer.Publish(ctx, update); err != nil {
		p.logger.Warn(ctx, "location_stream_failed", "Analytics sink rejected location update", map[string]any{
			"entity_id": update.EntityID, "error": err.Error(),
		})
	}
}

// deliver routes the accepted update: the ride counterparty sees it only
// while the ride is ASSIGNED or PICKED_UP, admins always see it, and route
// subscribers get an anonymized copy when the ride carries a route.
func (p *Pipeline) deliver(ctx context.Context, in Sample, update contracts.LocationUpdate) {
	event := contracts.EventPassengerLocation
	if update.Kind == geo.EntityDriver.String() {
		event = contracts.EventDriverLocation
	}

	if update.RideID != "" && !in.Anonymous {
		p.deliverToCounterparty(ctx, in, event, update)
	}

	p.registry.SendToAdmins(ctx, event, update)
}

func (p *Pipeline) deliverToCounterparty(ctx context.Context, in Sample, event string, update contracts.LocationUpdate) {
	r, err := p.rides.Get(ctx, update.RideID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			p.logger.Warn(ctx, "location_ride_lookup_failed", "Could not resolve ride for location scoping", map[string]any{
				"ride_id": update.RideID, "error": err.Error(),
			})
		}
		return
	}

	// counterparty visibility only during the active phases
	if r.Status != ride.StatusAssigned && r.Status != ride.StatusPickedUp {
		return
	}

	// only parties of the ride may attribute samples to it
	isDriver := in.DriverID != "" && r.BoundDriver() == in.DriverID
	isPassenger := r.PassengerID == in.Identity
	if !isDriver && !isPassenger {
		return
	}

	if isDriver {
		p.registry.SendToIdentity(ctx, r.PassengerID, event, update)
	} else if driverID := r.BoundDriver(); driverID != "" {
		p.registry.SendToDriver(ctx, driverID, event, update)
	}

	if r.RouteID != nil {
		routed := update
		routed.RouteID = *r.RouteID
		routed.EntityID = "" // route watchers see positions, not identities
		p.registry.BroadcastTopic(ctx, contracts.TopicRouteUpdates, in.ConnID, contracts.EventRouteUpdate, routed)
	}
}
