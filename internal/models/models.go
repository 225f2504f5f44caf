package models

import "time"

// Status is the ride lifecycle state. Transitions only move forward:
// REQUESTED -> ACCEPTED -> PICKED_UP -> COMPLETED, or REQUESTED -> CANCELLED.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the assigned driver may write positions.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusPickedUp
}

// LegalTransition reports whether the driver-initiated edge from -> to
// exists in the state machine. Accept and cancel have their own paths
// and are not covered here.
func LegalTransition(from, to Status) bool {
	switch {
	case from == StatusAccepted && to == StatusPickedUp:
		return true
	case from == StatusPickedUp && to == StatusCompleted:
		return true
	}
	return false
}

type Coord struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Position is a timestamped driver location sample. The timestamp is
// the staleness guard: only strictly newer samples replace the stored one.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type PaymentInfo struct {
	Method          string `json:"method,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
}

type Ride struct {
	ID           string      `json:"id"`
	RiderID      string      `json:"rider_id"`
	DriverID     string      `json:"driver_id,omitempty"`
	Pickup       Coord       `json:"pickup"`
	Destination  Coord       `json:"destination"`
	Price        int64       `json:"price"`
	Status       Status      `json:"status"`
	LastPosition *Position   `json:"last_position,omitempty"`
	Payment      PaymentInfo `json:"payment,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Transition describes one committed status change, delivered to
// registry listeners after the store mutation succeeds.
type Transition struct {
	RideID   string
	DriverID string
	From     Status
	To       Status
}

// LocationUpdate is the position event kind delivered to room subscribers.
type LocationUpdate struct {
	RideID    string    `json:"ride_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChanged is the status event kind delivered to room subscribers.
type StatusChanged struct {
	RideID string `json:"ride_id"`
	Status Status `json:"status"`
}
