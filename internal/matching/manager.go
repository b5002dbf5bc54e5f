package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trips"
)

// Geo answers the nearby-rider query at a radius tier.
type Geo interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error)
}

// Lifecycle is the slice of the trip service the manager drives.
type Lifecycle interface {
	Get(ctx context.Context, tripID string) (*models.Trip, error)
	Apply(ctx context.Context, tripID string, target models.TripStatus, actor string, extras trips.Extras) (*models.Trip, error)
}

// Riders is the directory slice needed for location passthrough and accept
// payloads.
type Riders interface {
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	UpdateRiderLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error
}

type Config struct {
	InitialRadiusKm  float64
	ExpandedRadiusKm float64
	BroadcastCount   int
	AcceptanceWindow time.Duration
	DefaultSpeedMps  float64
}

// session is the ephemeral record of one trip's in-progress matching
// attempt. All fields after construction are guarded by mu; the manager map
// itself is guarded separately. The lock order, where both are held, is
// always session.mu before Manager.mu.
type session struct {
	mu sync.Mutex

	tripID      string
	passengerID string
	candidates  []models.Candidate
	cursor      int
	radiusKm    float64
	timer       *time.Timer
	resolved    bool
	startedAt   time.Time
}

// Manager owns the offer/accept/reject/timeout protocol: one session per
// trip, candidates tried strictly in ascending-distance order, radius
// expanded once on exhaustion.
type Manager struct {
	cfg    Config
	trips  Lifecycle
	geo    Geo
	riders Riders
	push   dispatch.Pusher
	logger *slog.Logger

	// optional routing engine for pickup ETAs in offers
	ETAClient eta.Client
	ETACache  *eta.Cache

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(cfg Config, lifecycle Lifecycle, geo Geo, riders Riders, push dispatch.Pusher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		trips:    lifecycle,
		geo:      geo,
		riders:   riders,
		push:     push,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// StartMatching begins the offer sequence for a trip in REQUESTED. With no
// candidates at either radius the trip is cancelled with a system reason and
// no session is created.
func (m *Manager) StartMatching(ctx context.Context, tripID string) error {
	trip, err := m.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Status != models.StatusRequested {
		m.logger.Warn("matching refused: trip not in REQUESTED", "trip_id", tripID, "status", trip.Status)
		return nil
	}

	cands, err := m.geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lng, m.cfg.InitialRadiusKm)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		cands, err = m.geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lng, m.cfg.ExpandedRadiusKm)
		if err != nil {
			return err
		}
	}
	if len(cands) == 0 {
		m.pushTo(trip.PassengerID, dispatch.EventTripNoRiders, noRidersPayload{TripID: tripID})
		observability.MatchesAbandonedTotal.Inc()
		if _, err := m.trips.Apply(ctx, tripID, models.StatusCancelled, models.ActorSystem, trips.Extras{CancelReason: "No riders available"}); err != nil {
			return err
		}
		return nil
	}

	if len(cands) > m.cfg.BroadcastCount {
		cands = cands[:m.cfg.BroadcastCount]
	}

	s := &session{
		tripID:      tripID,
		passengerID: trip.PassengerID,
		candidates:  cands,
		radiusKm:    m.cfg.InitialRadiusKm,
		startedAt:   time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.sessions[tripID]; exists {
		m.mu.Unlock()
		m.logger.Warn("matching already in progress", "trip_id", tripID)
		return nil
	}
	m.sessions[tripID] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m.offerLocked(ctx, s)
	return nil
}

// offerLocked pushes the trip to the candidate at the cursor and arms the
// acceptance-window timer. Requires s.mu held. On candidate exhaustion at
// the initial tier it expands the radius once, appending only riders not yet
// tried; exhaustion at the expanded tier abandons the session.
func (m *Manager) offerLocked(ctx context.Context, s *session) {
	if s.resolved {
		return
	}

	for s.cursor >= len(s.candidates) {
		if s.radiusKm >= m.cfg.ExpandedRadiusKm {
			m.abandonLocked(s)
			return
		}
		s.radiusKm = m.cfg.ExpandedRadiusKm
		trip, err := m.trips.Get(ctx, s.tripID)
		if err != nil {
			m.logger.Error("trip load failed during radius expansion", "trip_id", s.tripID, "error", err)
			m.abandonLocked(s)
			return
		}
		cands, err := m.geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lng, s.radiusKm)
		if err != nil {
			m.logger.Error("nearby query failed during radius expansion", "trip_id", s.tripID, "error", err)
			m.abandonLocked(s)
			return
		}
		tried := make(map[string]bool, len(s.candidates))
		for _, c := range s.candidates {
			tried[c.RiderID] = true
		}
		added := 0
		for _, c := range cands {
			if tried[c.RiderID] || added >= m.cfg.BroadcastCount {
				continue
			}
			s.candidates = append(s.candidates, c)
			added++
		}
	}

	cand := s.candidates[s.cursor]
	trip, err := m.trips.Apply(ctx, s.tripID, models.StatusOffered, models.ActorSystem, trips.Extras{RiderID: cand.RiderID})
	if err != nil {
		// Typically the trip was cancelled while we were cycling.
		m.logger.Warn("offer transition failed, ending session", "trip_id", s.tripID, "error", err)
		m.teardownLocked(s)
		return
	}

	m.pushTo(cand.RiderID, dispatch.EventTripOffer, m.offerPayload(trip, cand))
	m.pushTo(s.passengerID, dispatch.EventTripSearching, searchingPayload{TripID: s.tripID, Message: "Looking for a rider..."})
	observability.OffersTotal.Inc()

	armedCursor := s.cursor
	s.timer = time.AfterFunc(m.cfg.AcceptanceWindow, func() {
		m.onTimeout(s.tripID, armedCursor)
	})
}

func (m *Manager) onTimeout(tripID string, armedCursor int) {
	s := m.lookup(tripID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The cursor check guards the race where the timer fired but an accept
	// or reject won the lock first.
	if s.resolved || s.cursor != armedCursor {
		return
	}
	observability.OfferTimeoutsTotal.Inc()
	s.cursor++
	m.revertToRequested(s.tripID)
	m.offerLocked(context.Background(), s)
}

// AcceptTrip resolves the session if, and only if, the accepting rider is
// the candidate currently holding the offer. Stale or out-of-turn accepts
// are silently ignored. The passenger is only told the match succeeded after
// the ACCEPTED transition commits.
func (m *Manager) AcceptTrip(ctx context.Context, tripID, riderID string) error {
	s := m.lookup(tripID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved || s.cursor >= len(s.candidates) || s.candidates[s.cursor].RiderID != riderID {
		return nil
	}

	s.resolved = true
	if s.timer != nil {
		s.timer.Stop()
	}
	m.drop(tripID)

	trip, err := m.trips.Apply(ctx, tripID, models.StatusAccepted, riderID, trips.Extras{RiderID: riderID})
	if err != nil {
		m.logger.Warn("accept transition failed", "trip_id", tripID, "rider_id", riderID, "error", err)
		return nil
	}

	observability.AcceptsTotal.Inc()
	observability.MatchLatency.Observe(time.Since(s.startedAt).Seconds())

	m.pushTo(s.passengerID, dispatch.EventTripAccepted, m.acceptedPayload(ctx, trip, riderID))
	m.pushTo(riderID, dispatch.EventTripConfirmed, confirmedPayload{TripID: tripID, Trip: trip})
	return nil
}

// RejectOffer advances past the current candidate. Same out-of-turn guard as
// AcceptTrip; continuation is identical to a timeout.
func (m *Manager) RejectOffer(ctx context.Context, tripID, riderID string) error {
	s := m.lookup(tripID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved || s.cursor >= len(s.candidates) || s.candidates[s.cursor].RiderID != riderID {
		return nil
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	observability.RejectsTotal.Inc()
	s.cursor++
	m.revertToRequested(tripID)
	m.offerLocked(ctx, s)
	return nil
}

// CancelTrip resolves any live session before the CANCELLED transition is
// applied, so a lingering offer can never be accepted into a cancelled trip.
func (m *Manager) CancelTrip(ctx context.Context, tripID, actor, reason string) (*models.Trip, error) {
	if s := m.lookup(tripID); s != nil {
		s.mu.Lock()
		s.resolved = true
		if s.timer != nil {
			s.timer.Stop()
		}
		m.drop(tripID)
		s.mu.Unlock()
	}
	return m.trips.Apply(ctx, tripID, models.StatusCancelled, actor, trips.Extras{CancelReason: reason})
}

// UpdateRiderLocation is a stateless passthrough: stamp the rider's last
// known coordinate and refresh the geo index. No session is touched.
func (m *Manager) UpdateRiderLocation(ctx context.Context, riderID string, lat, lng float64) error {
	if err := m.riders.UpdateRiderLocation(ctx, riderID, lat, lng, time.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if up, ok := m.geo.(interface{ Upsert(models.Rider) }); ok {
		if rider, err := m.riders.GetRider(ctx, riderID); err == nil {
			up.Upsert(*rider)
		}
	}
	return nil
}

// ActiveSessions reports how many trips are currently being matched.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) abandonLocked(s *session) {
	m.pushTo(s.passengerID, dispatch.EventTripNoRiders, noRidersPayload{TripID: s.tripID})
	observability.MatchesAbandonedTotal.Inc()
	m.teardownLocked(s)
}

// teardownLocked ends a session without resolving the trip; the trip is left
// in whatever cancellable state it holds. Requires s.mu held.
func (m *Manager) teardownLocked(s *session) {
	s.resolved = true
	if s.timer != nil {
		s.timer.Stop()
	}
	m.drop(s.tripID)
}

func (m *Manager) revertToRequested(tripID string) {
	// Failure here is non-fatal: the next offer transition will refuse and
	// the session will wind down.
	if _, err := m.trips.Apply(context.Background(), tripID, models.StatusRequested, models.ActorSystem, trips.Extras{}); err != nil {
		m.logger.Warn("revert to REQUESTED failed", "trip_id", tripID, "error", err)
	}
}

func (m *Manager) lookup(tripID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[tripID]
}

func (m *Manager) drop(tripID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tripID)
}

func (m *Manager) pushTo(userID, event string, payload any) {
	if err := m.push.Push(userID, event, payload); err != nil {
		m.logger.Debug("push failed", "user_id", userID, "event", event, "error", err)
	}
}
