package matching

import (
	"context"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/models"
)

// OfferPayload is what the current candidate sees: enough of the trip to
// decide within the response window.
type OfferPayload struct {
	TripID             string          `json:"trip_id"`
	Type               models.TripType `json:"type"`
	PickupAddress      string          `json:"pickup_address"`
	Pickup             models.Coord    `json:"pickup"`
	DestinationAddress string          `json:"destination_address"`
	Destination        models.Coord    `json:"destination"`
	PackageNotes       string          `json:"package_notes,omitempty"`
	EstimatedFareLow   float64         `json:"estimated_fare_low"`
	EstimatedFareHigh  float64         `json:"estimated_fare_high"`
	EstimatedDistance  float64         `json:"estimated_distance_km"`
	DistanceKm         float64         `json:"distance_km"`
	PickupETASeconds   float64         `json:"pickup_eta_seconds,omitempty"`
	TimeoutSec         int             `json:"timeout_sec"`
}

type searchingPayload struct {
	TripID  string `json:"trip_id"`
	Message string `json:"message"`
}

type noRidersPayload struct {
	TripID string `json:"trip_id"`
}

// AcceptedPayload is pushed to the passenger once the match commits.
type AcceptedPayload struct {
	TripID string       `json:"trip_id"`
	Rider  RiderSummary `json:"rider"`
}

type RiderSummary struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Rating     float64           `json:"rating,omitempty"`
	TotalTrips int               `json:"total_trips"`
	Vehicle    *models.Vehicle   `json:"vehicle,omitempty"`
	Insurance  *models.Insurance `json:"insurance,omitempty"`
}

type confirmedPayload struct {
	TripID string       `json:"trip_id"`
	Trip   *models.Trip `json:"trip"`
}

func (m *Manager) offerPayload(trip *models.Trip, cand models.Candidate) OfferPayload {
	return OfferPayload{
		TripID:             trip.ID,
		Type:               trip.Type,
		PickupAddress:      trip.PickupAddress,
		Pickup:             trip.Pickup,
		DestinationAddress: trip.DestinationAddress,
		Destination:        trip.Destination,
		PackageNotes:       trip.PackageNotes,
		EstimatedFareLow:   trip.EstimatedFareLow,
		EstimatedFareHigh:  trip.EstimatedFareHigh,
		EstimatedDistance:  trip.EstimatedDistance,
		DistanceKm:         cand.DistanceKm,
		PickupETASeconds:   m.pickupETA(cand.Loc, trip.Pickup),
		TimeoutSec:         int(m.cfg.AcceptanceWindow.Seconds()),
	}
}

func (m *Manager) pickupETA(from, to models.Coord) float64 {
	if m.ETACache != nil {
		if v, ok := m.ETACache.Get(from, to); ok {
			return v
		}
	}
	if m.ETAClient != nil {
		if v, err := m.ETAClient.EstimateSeconds(from, to); err == nil {
			if m.ETACache != nil {
				m.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, m.cfg.DefaultSpeedMps)
}

func (m *Manager) acceptedPayload(ctx context.Context, trip *models.Trip, riderID string) AcceptedPayload {
	out := AcceptedPayload{TripID: trip.ID, Rider: RiderSummary{ID: riderID}}
	rider, err := m.riders.GetRider(ctx, riderID)
	if err != nil {
		m.logger.Warn("rider lookup failed for accept payload", "rider_id", riderID, "error", err)
		return out
	}
	out.Rider = RiderSummary{
		ID:         rider.ID,
		Name:       rider.Name,
		Phone:      rider.Phone,
		Rating:     rider.Rating,
		TotalTrips: rider.TotalTrips,
		Vehicle:    rider.Vehicle,
		Insurance:  rider.Insurance,
	}
	return out
}
