package contracts

import "time"

// ----- Inbound payloads -----

// HandshakePayload is the first frame a client must send after the socket
// opens. Token authenticates a known user; ClientID alone yields a
// degraded anonymous session.
type HandshakePayload struct {
	Token    string `json:"token,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// LocationPayload carries one position sample. RideID is optional and only
// honored for authenticated parties of that ride.
type LocationPayload struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RideID     string    `json:"rideId,omitempty"`
	RecordedAt time.Time `json:"recordedAt,omitempty"`
}

// RideRequestPayload opens a new ride for the connected passenger.
type RideRequestPayload struct {
	VehicleType    string  `json:"vehicleType"`
	PickupLat      float64 `json:"pickupLat"`
	PickupLng      float64 `json:"pickupLng"`
	DestinationLat float64 `json:"destinationLat"`
	DestinationLng float64 `json:"destinationLng"`
	RouteID        string  `json:"routeId,omitempty"`
}

// RideAssignPayload is a driver volunteering for a waiting ride.
type RideAssignPayload struct {
	RideID string `json:"rideId"`
}

// RideStatusPayload advances a ride through its lifecycle.
type RideStatusPayload struct {
	RideID   string   `json:"rideId"`
	Status   string   `json:"status"`
	Rating   *float64 `json:"rating,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// DriverStatusPayload is a driver changing its own availability.
// BUSY is not accepted here; it is owned by the assignment flow.
type DriverStatusPayload struct {
	Status string `json:"status"`
}

// SubscribePayload names a topic to join or leave.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// ReplyPayload is a driver/passenger reply to an earlier notification or
// ride event, addressed to the admin set. Both fields are required.
type ReplyPayload struct {
	Message   string `json:"message"`
	InReplyTo string `json:"inReplyTo"`
}

// ----- Outbound payloads -----

// AckPayload confirms (or rejects) an inbound event. Code is a stable
// machine-readable error class; Error is the human-readable detail.
type AckPayload struct {
	Event  string `json:"event"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	RideID string `json:"rideId,omitempty"`
}

// LocationUpdate is the fanout shape for driver_location, passenger_location
// and route_updates events.
type LocationUpdate struct {
	EntityID   string    `json:"entityId"`
	Kind       string    `json:"kind"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RideID     string    `json:"rideId,omitempty"`
	RouteID    string    `json:"routeId,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// NotificationPayload is the realtime shape of a notification event.
// Reference points back at the notification or ride event a reply answers.
type NotificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RideUpdatePayload tells a party that their ride changed state.
type RideUpdatePayload struct {
	RideID      string `json:"rideId"`
	Status      string `json:"status"`
	DriverID    string `json:"driverId,omitempty"`
	PassengerID string `json:"passengerId,omitempty"`
}
