package ws

import (
	"context"
	"encoding/json"
	"errors"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/dispatch"
	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/fanout"
	"ride-dispatch/internal/ports"
	"ride-dispatch/internal/registry"
	"ride-dispatch/internal/rides"
)

// route dispatches one decoded envelope. Every inbound event gets an ack;
// fanout triggered by the event is fire-and-forget relative to that ack.
func (s *Server) route(ctx context.Context, c *registry.Conn, sender registry.Sender, env envelope) {
	switch env.Type {
	case contracts.EventLocation:
		s.handleLocation(ctx, c, sender, env.Data)
	case contracts.EventRideRequest:
		s.handleRideRequest(ctx, c, sender, env.Data)
	case contracts.EventRideAssign:
		s.handleRideAssign(ctx, c, sender, env.Data)
	case contracts.EventRideStatus:
		s.handleRideStatus(ctx, c, sender, env.Data)
	case contracts.EventDriverStatus:
		s.handleDriverStatus(ctx, c, sender, env.Data)
	case contracts.EventSubscribeRoutes:
		s.registry.Subscribe(c.ID, contracts.TopicRouteUpdates)
		s.ack(sender, env.Type, "", nil)
	case contracts.EventAdminSubscribe, contracts.EventAdminUnsub:
		s.handleAdminTopic(ctx, c, sender, env.Type, env.Data)
	case contracts.EventReply:
		s.handleReply(ctx, c, sender, env.Data)
	default:
		s.ack(sender, env.Type, "", errors.New("unknown event type"))
	}
}

func (s *Server) handleLocation(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	var in contracts.LocationPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		s.ack(sender, contracts.EventLocation, "", errors.New("bad location payload"))
		return
	}

	// anonymous sessions feed positions only; they cannot claim a ride
	rideID := in.RideID
	if c.Anonymous {
		rideID = ""
	}

	err := s.pipeline.Ingest(ctx, fanout.Sample{
		ConnID:     c.ID,
		Identity:   c.Identity,
		Role:       c.Role,
		DriverID:   c.DriverID,
		Anonymous:  c.Anonymous,
		Point:      geo.Point{Lat: in.Lat, Lng: in.Lng},
		RideID:     rideID,
		RecordedAt: in.RecordedAt,
	})
	s.ack(sender, contracts.EventLocation, rideID, err)
}

func (s *Server) handleRideRequest(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	if !c.Role.IsPassenger() {
		s.ack(sender, contracts.EventRideRequest, "", errors.New("only passengers can request rides"))
		return
	}

	var in contracts.RideRequestPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		s.ack(sender, contracts.EventRideRequest, "", errors.New("bad ride request payload"))
		return
	}

	vt, err := ride.ParseVehicleType(in.VehicleType)
	if err != nil {
		s.ack(sender, contracts.EventRideRequest, "", err)
		return
	}

	r, err := s.coordinator.RequestRide(ctx, c.Identity, dispatch.RideRequest{
		VehicleType: vt,
		Pickup:      geo.Point{Lat: in.PickupLat, Lng: in.PickupLng},
		Destination: geo.Point{Lat: in.DestinationLat, Lng: in.DestinationLng},
		RouteID:     in.RouteID,
	})
	if err != nil {
		s.ack(sender, contracts.EventRideRequest, "", err)
		return
	}
	s.ack(sender, contracts.EventRideRequest, r.ID, nil)
}

func (s *Server) handleRideAssign(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	if !c.Role.IsDriver() || c.DriverID == "" {
		s.ack(sender, contracts.EventRideAssign, "", errors.New("only drivers can claim rides"))
		return
	}

	var in contracts.RideAssignPayload
	if err := json.Unmarshal(raw, &in); err != nil || in.RideID == "" {
		s.ack(sender, contracts.EventRideAssign, "", errors.New("bad assign payload"))
		return
	}

	_, err := s.coordinator.AssignDriver(ctx, in.RideID, c.DriverID)
	s.ack(sender, contracts.EventRideAssign, in.RideID, err)
}

func (s *Server) handleRideStatus(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	var in contracts.RideStatusPayload
	if err := json.Unmarshal(raw, &in); err != nil || in.RideID == "" {
		s.ack(sender, contracts.EventRideStatus, "", errors.New("bad status payload"))
		return
	}

	target, err := ride.ParseStatus(in.Status)
	if err != nil {
		s.ack(sender, contracts.EventRideStatus, in.RideID, err)
		return
	}
	if err := s.allowTransition(c, target); err != nil {
		s.ack(sender, contracts.EventRideStatus, in.RideID, err)
		return
	}

	_, err = s.coordinator.UpdateStatus(ctx, in.RideID, target, rides.TransitionContext{
		DriverID:  c.DriverID,
		Rating:    in.Rating,
		Feedback:  in.Feedback,
		Reason:    in.Reason,
		Initiator: c.Identity,
	})
	s.ack(sender, contracts.EventRideStatus, in.RideID, err)
}

// allowTransition maps roles to the lifecycle steps they own: pickup is the
// driver's, completion belongs to either party, cancellation to any
// authenticated party, and ASSIGNED only travels through ride:assign.
func (s *Server) allowTransition(c *registry.Conn, target ride.Status) error {
	if c.Role.IsAdmin() {
		if target == ride.StatusAssigned {
			return errors.New("use ride:assign to claim a ride")
		}
		return nil
	}
	switch target {
	case ride.StatusPickedUp:
		if !c.Role.IsDriver() {
			return errors.New("only the assigned driver can mark pickup")
		}
	case ride.StatusCompleted:
		if !c.Role.IsDriver() && !c.Role.IsPassenger() {
			return errors.New("only ride parties can complete")
		}
	case ride.StatusCancelled:
		if c.Anonymous {
			return errors.New("anonymous sessions cannot cancel rides")
		}
	default:
		return errors.New("use ride:assign to claim a ride")
	}
	return nil
}

func (s *Server) handleDriverStatus(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	if !c.Role.IsDriver() || c.DriverID == "" {
		s.ack(sender, contracts.EventDriverStatus, "", errors.New("only drivers can change availability"))
		return
	}

	var in contracts.DriverStatusPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		s.ack(sender, contracts.EventDriverStatus, "", errors.New("bad driver status payload"))
		return
	}

	status, err := driver.ParseStatus(in.Status)
	if err != nil {
		s.ack(sender, contracts.EventDriverStatus, "", err)
		return
	}

	_, err = s.coordinator.SetDriverStatus(ctx, c.DriverID, status)
	s.ack(sender, contracts.EventDriverStatus, "", err)
}

func (s *Server) handleAdminTopic(ctx context.Context, c *registry.Conn, sender registry.Sender, event string, raw json.RawMessage) {
	if !c.Role.IsAdmin() {
		s.logger.Warn(ctx, "admin_topic_denied", "Non-admin tried an admin subscription", map[string]any{
			"identity": c.Identity, "role": c.Role.String(),
		})
		s.ack(sender, event, "", errors.New("forbidden"))
		return
	}

	var in contracts.SubscribePayload
	if err := json.Unmarshal(raw, &in); err != nil || in.Topic == "" {
		s.ack(sender, event, "", errors.New("bad subscribe payload"))
		return
	}

	if event == contracts.EventAdminSubscribe {
		s.registry.Subscribe(c.ID, in.Topic)
	} else {
		s.registry.Unsubscribe(c.ID, in.Topic)
	}
	s.ack(sender, event, "", nil)
}

// handleReply turns a driver/passenger reply into a durable all-admins
// notification plus a realtime admin_notification event.
func (s *Server) handleReply(ctx context.Context, c *registry.Conn, sender registry.Sender, raw json.RawMessage) {
	if c.Anonymous {
		s.ack(sender, contracts.EventReply, "", errors.New("anonymous sessions cannot send replies"))
		return
	}

	var in contracts.ReplyPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		s.ack(sender, contracts.EventReply, "", errors.New("bad reply payload"))
		return
	}
	if in.Message == "" || in.InReplyTo == "" {
		s.ack(sender, contracts.EventReply, "", errors.New("reply requires message and inReplyTo"))
		return
	}

	_, err := s.notify.NotifyReply(ctx, c.Identity, in.Message, in.InReplyTo)
	s.ack(sender, contracts.EventReply, "", err)
}

// ack confirms or rejects one inbound event with a stable error class.
func (s *Server) ack(sender registry.Sender, event, rideID string, err error) {
	out := contracts.AckPayload{Event: event, OK: err == nil, RideID: rideID}
	if err != nil {
		out.Code, out.Error = classify(err)
	}
	_ = sender.SendEvent(contracts.EventAck, out)
}

// Ack error classes. Internal error text (driver errors, SQL state) never
// crosses the socket; clients see the class plus a fixed detail.
const (
	CodeNotFound           = "not_found"
	CodeInvalidTransition  = "invalid_transition"
	CodeRideUnavailable    = "ride_unavailable"
	CodeServiceUnavailable = "service_unavailable"
	CodeValidationError    = "validation_error"
)

// classify maps an error to its ack class and a safe caller-facing message.
func classify(err error) (string, string) {
	switch {
	case errors.Is(err, ports.ErrServiceUnavailable):
		return CodeServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, dispatch.ErrRideUnavailable), errors.Is(err, driver.ErrNotAvailable):
		return CodeRideUnavailable, dispatch.ErrRideUnavailable.Error()
	case errors.Is(err, ride.ErrInvalidStatusTransition):
		return CodeInvalidTransition, ride.ErrInvalidStatusTransition.Error()
	case errors.Is(err, ride.ErrDriverMismatch):
		return CodeInvalidTransition, ride.ErrDriverMismatch.Error()
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, ports.ErrUserNotFound):
		return CodeNotFound, "not found"
	default:
		// validation and permission errors are produced at this edge (or in
		// the domain) with caller-safe text
		return CodeValidationError, err.Error()
	}
}
