package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when the status-guarded update loses a
	// race: the trip's status changed between the read and the write.
	ErrStatusConflict = errors.New("trip status changed concurrently")
)

// TripStore defines persistence operations for trips. UpdateTrip is a
// compare-and-swap on the previous status so concurrent transitions on one
// trip cannot both commit.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	GetTripByShareCode(ctx context.Context, code string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error
	SetPaymentIntent(ctx context.Context, tripID, intentID string) error
	AppendEvent(ctx context.Context, ev models.TripEvent) error
	ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error)
}

// RiderStore holds the rider directory: profile fields for accept payloads,
// last known location, and the completed-trip counter.
type RiderStore interface {
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	UpsertRider(ctx context.Context, r *models.Rider) error
	UpdateRiderLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error
	IncrementCompletedTrips(ctx context.Context, id string) error
}

// MemoryStore implements both stores for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*models.Trip
	events map[string][]models.TripEvent
	riders map[string]*models.Rider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  make(map[string]*models.Trip),
		events: make(map[string][]models.TripEvent),
		riders: make(map[string]*models.Rider),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTripByShareCode(ctx context.Context, code string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.ShareCode == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) SetPaymentIntent(ctx context.Context, tripID, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.PaymentIntentID = intentID
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev models.TripEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events[ev.TripID] = append(m.events[ev.TripID], ev)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[tripID]
	out := make([]models.TripEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *MemoryStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpsertRider(ctx context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.riders[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRiderLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return ErrNotFound
	}
	r.Loc = models.Coord{Lat: lat, Lng: lng}
	r.LastSeen = at
	return nil
}

func (m *MemoryStore) IncrementCompletedTrips(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return ErrNotFound
	}
	r.TotalTrips++
	return nil
}
