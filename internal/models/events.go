package models

// EventName identifies a message on a persistent connection.
type EventName string

// server -> client
const (
	EventNewRideRequest     EventName = "new-ride-request"
	EventRideRemoved        EventName = "ride-removed"
	EventRideAccepted       EventName = "ride-accepted"
	EventRideRejected       EventName = "ride-rejected"
	EventRideStarted        EventName = "ride-started"
	EventRideCompleted      EventName = "ride-completed"
	EventRideCancelled      EventName = "ride-cancelled"
	EventDriverLiveLocation EventName = "driver-live-location"
	EventError              EventName = "error"
)

// client -> server
const (
	EventJoinDriver           EventName = "join-driver"
	EventJoinDriverRoom       EventName = "join-driver-room"
	EventJoinRider            EventName = "join-rider"
	EventLeaveRoom            EventName = "leave-room"
	EventDriverLocationUpdate EventName = "driver-location-update"
	EventRideRequest          EventName = "ride-request"
)

// BroadcastRoom is joined by every connected driver; withdrawals go here.
const BroadcastRoom = "drivers"

func DriverRoom(driverID string) string { return "driver-" + driverID }
func RiderRoom(riderID string) string   { return "rider-" + riderID }

type RideOfferPayload struct {
	RideID  string `json:"rideId"`
	Pickup  Coord  `json:"pickup"`
	Dropoff Coord  `json:"dropoff"`
	RiderID string `json:"riderId"`
}

type RideDriverPayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type RideIDPayload struct {
	RideID string `json:"rideId"`
}

type LiveLocationPayload struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
