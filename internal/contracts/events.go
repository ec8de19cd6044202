// Package contracts defines the wire-level event names and payload shapes
// shared by the realtime transport and its clients.
package contracts

// Inbound event names (client -> coordinator).
const (
	EventHandshake       = "handshake"
	EventLocation        = "location"
	EventRideRequest     = "ride:request"
	EventRideAssign      = "ride:assign"
	EventRideStatus      = "ride:status"
	EventDriverStatus    = "driver:status"
	EventSubscribeRoutes = "subscribe_routes"
	EventAdminSubscribe  = "admin:subscribe"
	EventAdminUnsub      = "admin:unsubscribe"
	EventReply           = "reply"
)

// Outbound event names (coordinator -> client).
const (
	EventAck               = "ack"
	EventDriverLocation    = "driver_location"
	EventPassengerLocation = "passenger_location"
	EventRouteUpdate       = "route_updates"
	EventNotification      = "notification"
	EventAdminNotification = "admin_notification"
	EventRideUpdate        = "ride_update"
)

// TopicRouteUpdates is the subscription topic carrying anonymized route
// position updates for clients watching a route.
const TopicRouteUpdates = "routes:updates"

// Envelope is the single frame format on the socket: a type tag and a
// raw payload decoded per event.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
