package trips

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/storage"
)

// validTransitions is the single source of truth for the trip state machine.
// COMPLETED and CANCELLED are terminal.
var validTransitions = map[models.TripStatus][]models.TripStatus{
	models.StatusRequested:  {models.StatusOffered, models.StatusCancelled},
	models.StatusOffered:    {models.StatusAccepted, models.StatusRequested, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress},
	models.StatusInProgress: {models.StatusCompleted},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.TripStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is surfaced to the caller when a requested status
// change is not permitted from the trip's current state.
type InvalidTransitionError struct {
	From models.TripStatus
	To   models.TripStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Extras carries transition-specific inputs: the prospective rider on
// OFFERED/ACCEPTED, the final fare on COMPLETED, the reason on CANCELLED.
type Extras struct {
	RiderID      string
	CancelReason string
	ActualFare   float64
}

// Service owns the persisted trip record and is the only writer of its
// status. Apply serializes transitions per trip: a striped in-process lock
// plus a status-guarded update in the store.
type Service struct {
	Store    storage.TripStore
	Riders   storage.RiderStore
	Fares    *fare.Estimator
	Charger  payments.Charger // optional; nil disables payment holds
	Currency string
	Logger   *slog.Logger

	locks [64]sync.Mutex
}

func (s *Service) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.Store.GetTrip(ctx, tripID)
}

// Apply validates the requested transition, stamps the matching milestone
// timestamp, applies status-specific side effects, persists the update and
// appends an event-log entry. On any persistence failure the transition is
// aborted with no side effects.
func (s *Service) Apply(ctx context.Context, tripID string, target models.TripStatus, actor string, extras Extras) (*models.Trip, error) {
	l := s.lockFor(tripID)
	l.Lock()
	defer l.Unlock()

	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(trip.Status, target) {
		return nil, &InvalidTransitionError{From: trip.Status, To: target}
	}

	from := trip.Status
	now := time.Now()
	trip.Status = target
	trip.UpdatedAt = now

	switch target {
	case models.StatusOffered:
		trip.RiderID = extras.RiderID
	case models.StatusAccepted:
		trip.AcceptedAt = &now
		if extras.RiderID != "" {
			trip.RiderID = extras.RiderID
		}
	case models.StatusArrived:
		trip.ArrivedAt = &now
	case models.StatusInProgress:
		trip.StartedAt = &now
	case models.StatusCompleted:
		trip.CompletedAt = &now
		trip.ActualFare = extras.ActualFare
		if trip.ActualFare == 0 {
			trip.ActualFare = trip.EstimatedFareHigh
		}
	case models.StatusCancelled:
		trip.CancelledAt = &now
		trip.CancelledBy = actor
		trip.CancelReason = extras.CancelReason
		if trip.CancelReason == "" {
			trip.CancelReason = "No reason provided"
		}
	}

	if err := s.Store.UpdateTrip(ctx, trip, from); err != nil {
		return nil, err
	}

	// Post-commit side effects. These must never fire for an aborted
	// transition; failures here are logged, not rolled back.
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	if target == models.StatusCompleted && trip.RiderID != "" {
		if err := s.Riders.IncrementCompletedTrips(ctx, trip.RiderID); err != nil {
			s.Logger.Error("rider trip counter update failed", "rider_id", trip.RiderID, "error", err)
		}
	}
	s.applyPayment(ctx, trip, target)

	data := map[string]any{"actor": actor}
	if extras.RiderID != "" {
		data["rider_id"] = extras.RiderID
	}
	if target == models.StatusCancelled {
		data["cancel_reason"] = trip.CancelReason
	}
	if target == models.StatusCompleted {
		data["actual_fare"] = trip.ActualFare
	}
	if err := s.Store.AppendEvent(ctx, models.TripEvent{TripID: tripID, Event: "STATUS_" + string(target), Data: data, CreatedAt: now}); err != nil {
		s.Logger.Error("trip event append failed", "trip_id", tripID, "error", err)
	}

	return trip, nil
}

func (s *Service) applyPayment(ctx context.Context, trip *models.Trip, target models.TripStatus) {
	if s.Charger == nil {
		return
	}
	switch target {
	case models.StatusAccepted:
		amount := int64(math.Round(trip.EstimatedFareHigh * 100))
		intentID, err := s.Charger.Hold(ctx, amount, s.Currency, trip.PassengerID)
		if err != nil {
			s.Logger.Error("fare hold failed", "trip_id", trip.ID, "error", err)
			return
		}
		trip.PaymentIntentID = intentID
		if err := s.Store.SetPaymentIntent(ctx, trip.ID, intentID); err != nil {
			s.Logger.Error("payment intent persist failed", "trip_id", trip.ID, "error", err)
		}
	case models.StatusCompleted:
		if trip.PaymentIntentID != "" {
			if err := s.Charger.Capture(ctx, trip.PaymentIntentID); err != nil {
				s.Logger.Error("fare capture failed", "trip_id", trip.ID, "error", err)
			}
		}
	case models.StatusCancelled:
		if trip.PaymentIntentID != "" {
			if err := s.Charger.Release(ctx, trip.PaymentIntentID); err != nil {
				s.Logger.Error("fare release failed", "trip_id", trip.ID, "error", err)
			}
		}
	}
}

func (s *Service) lockFor(tripID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tripID))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}
