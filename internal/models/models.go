package models

import "time"

type TripType string

const (
	TripRide     TripType = "RIDE"
	TripDelivery TripType = "DELIVERY"
)

type TripStatus string

const (
	StatusRequested  TripStatus = "REQUESTED"
	StatusOffered    TripStatus = "OFFERED"
	StatusAccepted   TripStatus = "ACCEPTED"
	StatusArrived    TripStatus = "ARRIVED"
	StatusInProgress TripStatus = "IN_PROGRESS"
	StatusCompleted  TripStatus = "COMPLETED"
	StatusCancelled  TripStatus = "CANCELLED"
)

// ActorSystem is recorded as the acting party on transitions the dispatcher
// performs on its own (offer cycling, timeouts, no-riders cancellation).
const ActorSystem = "SYSTEM"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Trip struct {
	ID                 string     `json:"id"`
	Type               TripType   `json:"type"`
	PassengerID        string     `json:"passenger_id"`
	RiderID            string     `json:"rider_id,omitempty"`
	Pickup             Coord      `json:"pickup"`
	PickupAddress      string     `json:"pickup_address"`
	Destination        Coord      `json:"destination"`
	DestinationAddress string     `json:"destination_address"`
	PackageNotes       string     `json:"package_notes,omitempty"`
	Status             TripStatus `json:"status"`
	EstimatedDistance  float64    `json:"estimated_distance_km"`
	EstimatedFareLow   float64    `json:"estimated_fare_low"`
	EstimatedFareHigh  float64    `json:"estimated_fare_high"`
	ActualFare         float64    `json:"actual_fare,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	ShareCode          string     `json:"share_code"`
	PaymentIntentID    string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt          *time.Time `json:"arrived_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// TripRequest is the passenger-facing payload for creating a trip.
type TripRequest struct {
	PassengerID        string   `json:"passenger_id"`
	Type               TripType `json:"type"`
	Pickup             Coord    `json:"pickup"`
	PickupAddress      string   `json:"pickup_address"`
	Destination        Coord    `json:"destination"`
	DestinationAddress string   `json:"destination_address"`
	PackageNotes       string   `json:"package_notes,omitempty"`
}

type Vehicle struct {
	Model string `json:"model"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate"`
}

type Insurance struct {
	Insurer   string    `json:"insurer"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Rider is the directory record for a rider: presence for the geo index plus
// the profile fields pushed to passengers on acceptance.
type Rider struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Loc        Coord      `json:"loc"`
	Online     bool       `json:"online"`
	Approved   bool       `json:"approved"`
	Rating     float64    `json:"rating,omitempty"`
	TotalTrips int        `json:"total_trips"`
	Vehicle    *Vehicle   `json:"vehicle,omitempty"`
	Insurance  *Insurance `json:"insurance,omitempty"`
	LastSeen   time.Time  `json:"last_seen"`
}

// Candidate is a matching-time snapshot of a rider: identity, position and
// distance from the pickup as computed when the pool was sampled. Candidates
// are recomputed per query and never persisted.
type Candidate struct {
	RiderID    string  `json:"rider_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
}

// TripEvent is one immutable row of a trip's audit log.
type TripEvent struct {
	TripID    string         `json:"trip_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
