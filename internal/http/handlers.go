package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trips"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id is required", http.StatusBadRequest)
		return
	}
	trip, est, err := s.trips.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"trip": trip, "fare_estimate": est})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trip, err := s.trips.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.trips.Store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trip": trip, "events": events})
}

func (s *Server) handleShareLookup(w http.ResponseWriter, r *http.Request) {
	view, err := s.trips.GetByShareCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type statusRequest struct {
	Status     models.TripStatus `json:"status"`
	Actor      string            `json:"actor"`
	Reason     string            `json:"reason,omitempty"`
	ActualFare float64           `json:"actual_fare,omitempty"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}

	var trip *models.Trip
	var err error
	if req.Status == models.StatusCancelled {
		// Cancellation goes through the matcher so any live session is
		// resolved before the trip reaches CANCELLED.
		trip, err = s.matcher.CancelTrip(r.Context(), id, req.Actor, req.Reason)
	} else {
		trip, err = s.trips.Apply(r.Context(), id, req.Status, req.Actor, trips.Extras{ActualFare: req.ActualFare})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var rider models.Rider
	if err := json.NewDecoder(r.Body).Decode(&rider); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rider.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	// A ping only carries position. Patch the stored record rather than
	// replacing it, so profile and approval fields survive minimal bodies.
	now := time.Now()
	stored, err := s.riders.GetRider(r.Context(), rider.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rider.Online = true
		rider.LastSeen = now
		stored = &rider
		observability.RidersOnline.Inc()
	case err != nil:
		s.writeError(w, err)
		return
	default:
		if !stored.Online {
			observability.RidersOnline.Inc()
		}
		stored.Loc = rider.Loc
		stored.Online = true
		stored.LastSeen = now
	}

	if err := s.riders.UpsertRider(r.Context(), stored); err != nil {
		s.writeError(w, err)
		return
	}
	s.geo.Upsert(*stored)
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(*stored); err != nil {
			s.logger.Warn("location publish failed", "rider_id", stored.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var invalid *trips.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrStatusConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
