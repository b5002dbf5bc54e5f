package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips
		(id, type, passenger_id, rider_id, pickup_lat, pickup_lng, pickup_address,
		 dest_lat, dest_lng, dest_address, package_notes, status,
		 est_distance_km, est_fare_low, est_fare_high, share_code, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.Type, t.PassengerID, t.RiderID, t.Pickup.Lat, t.Pickup.Lng, t.PickupAddress,
		t.Destination.Lat, t.Destination.Lng, t.DestinationAddress, t.PackageNotes, t.Status,
		t.EstimatedDistance, t.EstimatedFareLow, t.EstimatedFareHigh, t.ShareCode, t.CreatedAt, t.UpdatedAt)
	return err
}

const tripColumns = `id, type, passenger_id, COALESCE(rider_id,''), pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, COALESCE(package_notes,''), status,
	est_distance_km, est_fare_low, est_fare_high, COALESCE(actual_fare,0),
	COALESCE(cancelled_by,''), COALESCE(cancel_reason,''), share_code, COALESCE(payment_intent_id,''),
	created_at, updated_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
}

func (p *PostgresStore) GetTripByShareCode(ctx context.Context, code string) (*models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE share_code=$1`, code))
}

func (p *PostgresStore) scanTrip(row *sql.Row) (*models.Trip, error) {
	var t models.Trip
	err := row.Scan(&t.ID, &t.Type, &t.PassengerID, &t.RiderID, &t.Pickup.Lat, &t.Pickup.Lng, &t.PickupAddress,
		&t.Destination.Lat, &t.Destination.Lng, &t.DestinationAddress, &t.PackageNotes, &t.Status,
		&t.EstimatedDistance, &t.EstimatedFareLow, &t.EstimatedFareHigh, &t.ActualFare,
		&t.CancelledBy, &t.CancelReason, &t.ShareCode, &t.PaymentIntentID,
		&t.CreatedAt, &t.UpdatedAt, &t.AcceptedAt, &t.ArrivedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTrip only commits when the row still carries the expected previous
// status, so racing transitions on the same trip cannot both win.
func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET
		rider_id=NULLIF($1,''), status=$2, actual_fare=NULLIF($3,0::numeric),
		cancelled_by=NULLIF($4,''), cancel_reason=NULLIF($5,''), updated_at=$6,
		accepted_at=$7, arrived_at=$8, started_at=$9, completed_at=$10, cancelled_at=$11
		WHERE id=$12 AND status=$13`,
		t.RiderID, t.Status, t.ActualFare,
		t.CancelledBy, t.CancelReason, t.UpdatedAt,
		t.AcceptedAt, t.ArrivedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.ID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetTrip(ctx, t.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) SetPaymentIntent(ctx context.Context, tripID, intentID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE trips SET payment_intent_id=$1 WHERE id=$2`, intentID, tripID)
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev models.TripEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trip_events(trip_id, event, data, created_at) VALUES ($1,$2,$3,$4)`,
		ev.TripID, ev.Event, data, ev.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT trip_id, event, data, created_at FROM trip_events WHERE trip_id=$1 ORDER BY created_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripEvent
	for rows.Next() {
		var ev models.TripEvent
		var data []byte
		if err := rows.Scan(&ev.TripID, &ev.Event, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	var vehicle, insurance []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), COALESCE(phone,''),
		current_lat, current_lng, online, approved, rating, total_trips, vehicle, insurance, last_seen
		FROM riders WHERE id=$1`, id).
		Scan(&r.ID, &r.Name, &r.Phone, &r.Loc.Lat, &r.Loc.Lng, &r.Online, &r.Approved,
			&r.Rating, &r.TotalTrips, &vehicle, &insurance, &r.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(vehicle) > 0 {
		_ = json.Unmarshal(vehicle, &r.Vehicle)
	}
	if len(insurance) > 0 {
		_ = json.Unmarshal(insurance, &r.Insurance)
	}
	return &r, nil
}

func (p *PostgresStore) UpsertRider(ctx context.Context, r *models.Rider) error {
	vehicle, _ := json.Marshal(r.Vehicle)
	insurance, _ := json.Marshal(r.Insurance)
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders
		(id, name, phone, current_lat, current_lng, online, approved, rating, total_trips, vehicle, insurance, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
		name=EXCLUDED.name, phone=EXCLUDED.phone, current_lat=EXCLUDED.current_lat,
		current_lng=EXCLUDED.current_lng, online=EXCLUDED.online, approved=EXCLUDED.approved,
		rating=EXCLUDED.rating, vehicle=EXCLUDED.vehicle, insurance=EXCLUDED.insurance,
		last_seen=EXCLUDED.last_seen`,
		r.ID, r.Name, r.Phone, r.Loc.Lat, r.Loc.Lng, r.Online, r.Approved,
		r.Rating, r.TotalTrips, vehicle, insurance, r.LastSeen)
	return err
}

func (p *PostgresStore) UpdateRiderLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET current_lat=$1, current_lng=$2, last_seen=$3 WHERE id=$4`,
		lat, lng, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementCompletedTrips(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE riders SET total_trips = total_trips + 1 WHERE id=$1`, id)
	return err
}
