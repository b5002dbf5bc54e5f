package httpapi

import (
	"log/slog"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/matching"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trips"
)

// locationPublisher is the slice of the Kafka producer the handlers drive.
type locationPublisher interface {
	PublishLocation(r models.Rider) error
}

type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	trips   *trips.Service
	matcher *matching.Manager
	geo     geo.Geo
	riders  storage.RiderStore
	kafka   locationPublisher // optional
	wsreg   *dispatch.WSRegistry
	mux     *mux.Router
}

// NewServer wires the full dispatch stack from config: Postgres or memory
// persistence, Redis or in-memory geo index, optional Kafka fan-out, Stripe
// and OSRM when keys/endpoints are present.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var tripStore storage.TripStore
	var riderStore storage.RiderStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		tripStore, riderStore = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		tripStore, riderStore = ms, ms
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var kp *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var charger payments.Charger
	if cfg.StripeAPIKey != "" {
		charger = payments.NewStripeCharger(cfg.StripeAPIKey)
	}

	tripSvc := &trips.Service{
		Store:    tripStore,
		Riders:   riderStore,
		Fares:    fare.NewEstimator(fare.Rates{Base: cfg.FareBase, PerKm: cfg.FarePerKm, Minimum: cfg.FareMinimum}),
		Charger:  charger,
		Currency: cfg.Currency,
		Logger:   logger,
	}

	wsreg := dispatch.NewWSRegistry()
	matcher := matching.NewManager(matching.Config{
		InitialRadiusKm:  cfg.InitialRadiusKm,
		ExpandedRadiusKm: cfg.ExpandedRadiusKm,
		BroadcastCount:   cfg.BroadcastCount,
		AcceptanceWindow: cfg.AcceptanceWindow,
		DefaultSpeedMps:  cfg.DefaultSpeedMps,
	}, tripSvc, ggeo, riderStore, wsreg, logger)
	if cfg.OSRMEndpoint != "" {
		matcher.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		matcher.ETACache = eta.NewCache(30 * time.Second)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		trips:   tripSvc,
		matcher: matcher,
		geo:     ggeo,
		riders:  riderStore,
		wsreg:   wsreg,
		mux:     mux.NewRouter(),
	}
	if kp != nil {
		s.kafka = kp
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/share/{code}", s.handleShareLookup).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/status", s.handleTripStatus).Methods("POST")
	s.mux.HandleFunc("/internal/rider/locations", s.handleRiderLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}
