package matching

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trips"
)

type fakeGeo struct {
	mu       sync.Mutex
	tiers    map[float64][]models.Candidate
	upserted []models.Rider
}

func (g *fakeGeo) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tiers[radiusKm], nil
}

func (g *fakeGeo) Upsert(r models.Rider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserted = append(g.upserted, r)
}

type pushedEvent struct {
	UserID  string
	Event   string
	Payload any
}

type fakePusher struct {
	mu     sync.Mutex
	events []pushedEvent
}

func (f *fakePusher) Push(userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushedEvent{UserID: userID, Event: event, Payload: payload})
	return nil
}

func (f *fakePusher) count(userID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.UserID == userID && e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakePusher) last(event string) (pushedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == event {
			return f.events[i], true
		}
	}
	return pushedEvent{}, false
}

var _ dispatch.Pusher = (*fakePusher)(nil)

func cand(id string, km float64) models.Candidate {
	return models.Candidate{RiderID: id, Loc: models.Coord{Lat: -12.37, Lng: 28.43}, DistanceKm: km}
}

type fixture struct {
	mgr  *Manager
	svc  *trips.Service
	mem  *storage.MemoryStore
	geo  *fakeGeo
	push *fakePusher
}

func newFixture(t *testing.T, cfg Config, tiers map[float64][]models.Candidate) *fixture {
	t.Helper()
	if cfg.InitialRadiusKm == 0 {
		cfg.InitialRadiusKm = 3
	}
	if cfg.ExpandedRadiusKm == 0 {
		cfg.ExpandedRadiusKm = 6
	}
	if cfg.BroadcastCount == 0 {
		cfg.BroadcastCount = 5
	}
	if cfg.AcceptanceWindow == 0 {
		cfg.AcceptanceWindow = 500 * time.Millisecond
	}
	if cfg.DefaultSpeedMps == 0 {
		cfg.DefaultSpeedMps = 8
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := storage.NewMemoryStore()
	svc := &trips.Service{
		Store:    mem,
		Riders:   mem,
		Fares:    fare.NewEstimator(fare.Rates{Base: 10, PerKm: 5, Minimum: 15}),
		Currency: "zmw",
		Logger:   logger,
	}
	fg := &fakeGeo{tiers: tiers}
	fp := &fakePusher{}
	mgr := NewManager(cfg, svc, fg, mem, fp, logger)
	return &fixture{mgr: mgr, svc: svc, mem: mem, geo: fg, push: fp}
}

func (f *fixture) newTrip(t *testing.T) *models.Trip {
	t.Helper()
	trip, _, err := f.svc.Create(context.Background(), models.TripRequest{
		PassengerID: "p1",
		Pickup:      models.Coord{Lat: -12.37, Lng: 28.43},
		Destination: models.Coord{Lat: -12.38, Lng: 28.44},
	})
	if err != nil {
		t.Fatal(err)
	}
	return trip
}

func (f *fixture) status(t *testing.T, tripID string) models.TripStatus {
	t.Helper()
	trip, err := f.mem.GetTrip(context.Background(), tripID)
	if err != nil {
		t.Fatal(err)
	}
	return trip.Status
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartMatchingNoRidersCancelsTrip(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{})
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(context.Background(), trip.ID); err != nil {
		t.Fatal(err)
	}
	if f.push.count("p1", dispatch.EventTripNoRiders) != 1 {
		t.Fatal("passenger was not told no riders were found")
	}
	got, _ := f.mem.GetTrip(context.Background(), trip.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.CancelledBy != models.ActorSystem || got.CancelReason != "No riders available" {
		t.Fatalf("wrong cancel attribution: by=%q reason=%q", got.CancelledBy, got.CancelReason)
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Fatal("no session should exist after abandonment")
	}
}

func TestStartMatchingFallsBackToExpandedRadius(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		6: {cand("r1", 4.2)},
	})
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(context.Background(), trip.ID); err != nil {
		t.Fatal(err)
	}
	if f.push.count("r1", dispatch.EventTripOffer) != 1 {
		t.Fatal("expanded-radius candidate did not receive the offer")
	}
	if f.status(t, trip.ID) != models.StatusOffered {
		t.Fatalf("expected OFFERED, got %s", f.status(t, trip.ID))
	}
}

func TestStartMatchingRefusedWhenNotRequested(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 1)},
	})
	trip := f.newTrip(t)
	if _, err := f.svc.Apply(context.Background(), trip.ID, models.StatusCancelled, "p1", trips.Extras{}); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.StartMatching(context.Background(), trip.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.push.events) != 0 {
		t.Fatalf("no pushes expected, got %v", f.push.events)
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Fatal("no session should be registered")
	}
}

func TestOfferGoesToNearestOnly(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4), cand("r2", 1.1), cand("r3", 2.0)},
	})
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(context.Background(), trip.ID); err != nil {
		t.Fatal(err)
	}
	if f.push.count("r1", dispatch.EventTripOffer) != 1 {
		t.Fatal("nearest candidate did not get the offer")
	}
	if f.push.count("r2", dispatch.EventTripOffer) != 0 || f.push.count("r3", dispatch.EventTripOffer) != 0 {
		t.Fatal("more than one offer outstanding")
	}
	if f.push.count("p1", dispatch.EventTripSearching) != 1 {
		t.Fatal("passenger did not see the searching notice")
	}

	ev, ok := f.push.last(dispatch.EventTripOffer)
	if !ok {
		t.Fatal("offer payload missing")
	}
	offer, ok := ev.Payload.(OfferPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.Payload)
	}
	if offer.TripID != trip.ID || offer.DistanceKm != 0.4 {
		t.Fatalf("wrong offer payload: %+v", offer)
	}
	if offer.TimeoutSec == 0 {
		t.Fatal("offer must carry the response window")
	}

	got, _ := f.mem.GetTrip(context.Background(), trip.ID)
	if got.Status != models.StatusOffered || got.RiderID != "r1" {
		t.Fatalf("expected OFFERED to r1, got %s/%s", got.Status, got.RiderID)
	}
}

func TestAcceptByCurrentCandidate(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4), cand("r2", 1.1)},
	})
	ctx := context.Background()
	_ = f.mem.UpsertRider(ctx, &models.Rider{ID: "r1", Name: "Moses", Rating: 4.8, Vehicle: &models.Vehicle{Model: "Honda Wave", Plate: "ACZ 1234"}})
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mem.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusAccepted || got.RiderID != "r1" {
		t.Fatalf("expected ACCEPTED by r1, got %s/%s", got.Status, got.RiderID)
	}
	if got.AcceptedAt == nil {
		t.Fatal("accepted timestamp missing")
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Fatal("session should be resolved")
	}

	ev, ok := f.push.last(dispatch.EventTripAccepted)
	if !ok || ev.UserID != "p1" {
		t.Fatal("passenger did not get the accepted event")
	}
	acc := ev.Payload.(AcceptedPayload)
	if acc.Rider.Name != "Moses" || acc.Rider.Vehicle == nil {
		t.Fatalf("rider summary incomplete: %+v", acc.Rider)
	}
	if f.push.count("r1", dispatch.EventTripConfirmed) != 1 {
		t.Fatal("rider did not get the confirmation")
	}
}

func TestAcceptFromWrongRiderIgnored(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4), cand("r2", 1.1)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r2"); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mem.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusOffered || got.RiderID != "r1" {
		t.Fatalf("out-of-turn accept must not resolve the trip, got %s/%s", got.Status, got.RiderID)
	}
	if f.push.count("p1", dispatch.EventTripAccepted) != 0 {
		t.Fatal("passenger must not be notified on a stale accept")
	}

	// the rightful candidate can still take it
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, trip.ID) != models.StatusAccepted {
		t.Fatal("current candidate's accept was lost")
	}
}

func TestRejectAdvancesToNextCandidate(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4), cand("r2", 1.1)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RejectOffer(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}

	if f.push.count("r2", dispatch.EventTripOffer) != 1 {
		t.Fatal("reject did not advance to the next candidate")
	}
	got, _ := f.mem.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusOffered || got.RiderID != "r2" {
		t.Fatalf("expected OFFERED to r2, got %s/%s", got.Status, got.RiderID)
	}

	// and a late reply from the first candidate changes nothing
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, trip.ID) != models.StatusOffered {
		t.Fatal("stale accept after reject must be ignored")
	}

	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r2"); err != nil {
		t.Fatal(err)
	}
	got, _ = f.mem.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusAccepted || got.RiderID != "r2" {
		t.Fatalf("expected ACCEPTED by r2, got %s/%s", got.Status, got.RiderID)
	}
}

func TestTimeoutAdvancesToNextCandidate(t *testing.T) {
	f := newFixture(t, Config{AcceptanceWindow: 25 * time.Millisecond}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4), cand("r2", 1.1)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.push.count("r2", dispatch.EventTripOffer) == 1 },
		"second candidate never received the offer after timeout")

	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r2"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.mem.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusAccepted || got.RiderID != "r2" {
		t.Fatalf("expected ACCEPTED by r2, got %s/%s", got.Status, got.RiderID)
	}
}

func TestRadiusExpansionAppendsOnlyUnseenCandidates(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4)},
		6: {cand("r1", 0.4), cand("r2", 4.5)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RejectOffer(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}

	if f.push.count("r2", dispatch.EventTripOffer) != 1 {
		t.Fatal("expanded-radius candidate was not offered the trip")
	}
	if f.push.count("r1", dispatch.EventTripOffer) != 1 {
		t.Fatal("rejected candidate must not be offered the trip again")
	}
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r2"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, trip.ID) != models.StatusAccepted {
		t.Fatal("expanded candidate could not accept")
	}
}

func TestExhaustionAbandonsSession(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4)},
		6: {cand("r1", 0.4)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RejectOffer(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}

	if f.push.count("p1", dispatch.EventTripNoRiders) != 1 {
		t.Fatal("passenger was not told matching was abandoned")
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Fatal("abandoned session still registered")
	}
	// the trip is left cancellable, not cancelled, after an exhausted search
	if f.status(t, trip.ID) != models.StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", f.status(t, trip.ID))
	}
}

func TestBroadcastCountCapsInitialBatch(t *testing.T) {
	tier := []models.Candidate{cand("r1", 0.4), cand("r2", 1.1), cand("r3", 2.0)}
	f := newFixture(t, Config{BroadcastCount: 2}, map[float64][]models.Candidate{
		3: tier,
		6: tier,
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RejectOffer(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RejectOffer(ctx, trip.ID, "r2"); err != nil {
		t.Fatal(err)
	}

	// r3 was cut from the initial batch and only re-enters via expansion
	if f.push.count("r3", dispatch.EventTripOffer) != 1 {
		t.Fatal("truncated candidate should be retried on expansion")
	}
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r3"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, trip.ID) != models.StatusAccepted {
		t.Fatal("expansion candidate could not accept")
	}
}

func TestCancelDuringMatchingResolvesSession(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.mgr.CancelTrip(ctx, trip.ID, "p1", "Waited too long")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.CancelReason != "Waited too long" {
		t.Fatalf("cancel not applied: %s/%q", got.Status, got.CancelReason)
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Fatal("cancel must tear down the session")
	}

	// a lingering accept from the offered rider cannot revive the trip
	if err := f.mgr.AcceptTrip(ctx, trip.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, trip.ID) != models.StatusCancelled {
		t.Fatal("accept after cancel must be a no-op")
	}
}

func TestStartMatchingIsIdempotentPerTrip(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{
		3: {cand("r1", 0.4)},
	})
	ctx := context.Background()
	trip := f.newTrip(t)

	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	// second start finds the trip OFFERED and refuses
	if err := f.mgr.StartMatching(ctx, trip.ID); err != nil {
		t.Fatal(err)
	}
	if f.push.count("r1", dispatch.EventTripOffer) != 1 {
		t.Fatal("duplicate start must not re-offer")
	}
	if f.mgr.ActiveSessions() != 1 {
		t.Fatalf("expected exactly one session, got %d", f.mgr.ActiveSessions())
	}
}

func TestUpdateRiderLocation(t *testing.T) {
	f := newFixture(t, Config{}, map[float64][]models.Candidate{})
	ctx := context.Background()
	_ = f.mem.UpsertRider(ctx, &models.Rider{ID: "r1", Online: true, Approved: true})

	if err := f.mgr.UpdateRiderLocation(ctx, "r1", -12.39, 28.41); err != nil {
		t.Fatal(err)
	}
	rider, _ := f.mem.GetRider(ctx, "r1")
	if rider.Loc.Lat != -12.39 || rider.Loc.Lng != 28.41 {
		t.Fatalf("location not stored: %+v", rider.Loc)
	}
	if rider.LastSeen.IsZero() {
		t.Fatal("last-seen timestamp missing")
	}
	f.geo.mu.Lock()
	upserts := len(f.geo.upserted)
	f.geo.mu.Unlock()
	if upserts != 1 {
		t.Fatalf("geo index not refreshed, upserts=%d", upserts)
	}

	// unknown riders are dropped without error
	if err := f.mgr.UpdateRiderLocation(ctx, "ghost", 0, 0); err != nil {
		t.Fatal(err)
	}
}
