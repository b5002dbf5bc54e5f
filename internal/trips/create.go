package trips

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/models"
)

// Create persists a new trip in REQUESTED with its fare estimate and a
// public share code, ready for matching.
func (s *Service) Create(ctx context.Context, req models.TripRequest) (*models.Trip, fare.Estimate, error) {
	est := s.Fares.Estimate(req.Pickup, req.Destination)
	now := time.Now()

	trip := &models.Trip{
		ID:                 uuid.NewString(),
		Type:               req.Type,
		PassengerID:        req.PassengerID,
		Pickup:             req.Pickup,
		PickupAddress:      req.PickupAddress,
		Destination:        req.Destination,
		DestinationAddress: req.DestinationAddress,
		PackageNotes:       req.PackageNotes,
		Status:             models.StatusRequested,
		EstimatedDistance:  est.DistanceKm,
		EstimatedFareLow:   est.Low,
		EstimatedFareHigh:  est.High,
		ShareCode:          strings.ToUpper(uuid.NewString()[:8]),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if trip.Type == "" {
		trip.Type = models.TripRide
	}

	if err := s.Store.CreateTrip(ctx, trip); err != nil {
		return nil, fare.Estimate{}, err
	}
	if err := s.Store.AppendEvent(ctx, models.TripEvent{
		TripID:    trip.ID,
		Event:     "TRIP_REQUESTED",
		Data:      map[string]any{"fare": est},
		CreatedAt: now,
	}); err != nil {
		s.Logger.Error("trip event append failed", "trip_id", trip.ID, "error", err)
	}
	return trip, est, nil
}

// ShareView is the trimmed, public trip summary returned for a share code.
type ShareView struct {
	ID                 string            `json:"id"`
	Type               models.TripType   `json:"type"`
	Status             models.TripStatus `json:"status"`
	PickupAddress      string            `json:"pickup_address"`
	DestinationAddress string            `json:"destination_address"`
	RiderName          string            `json:"rider_name,omitempty"`
	VehicleModel       string            `json:"vehicle_model,omitempty"`
	VehiclePlate       string            `json:"vehicle_plate,omitempty"`
	RiderLoc           *models.Coord     `json:"rider_loc,omitempty"`
}

func (s *Service) GetByShareCode(ctx context.Context, code string) (*ShareView, error) {
	trip, err := s.Store.GetTripByShareCode(ctx, code)
	if err != nil {
		return nil, err
	}
	view := &ShareView{
		ID:                 trip.ID,
		Type:               trip.Type,
		Status:             trip.Status,
		PickupAddress:      trip.PickupAddress,
		DestinationAddress: trip.DestinationAddress,
	}
	if trip.RiderID != "" {
		if rider, err := s.Riders.GetRider(ctx, trip.RiderID); err == nil {
			view.RiderName = rider.Name
			loc := rider.Loc
			view.RiderLoc = &loc
			if rider.Vehicle != nil {
				view.VehicleModel = rider.Vehicle.Model
				view.VehiclePlate = rider.Vehicle.Plate
			}
		}
	}
	return view, nil
}
