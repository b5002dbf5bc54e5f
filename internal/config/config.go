package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Dispatch tuning. The two radii are tried in order; the acceptance
	// window bounds how long a single candidate may sit on an offer.
	InitialRadiusKm  float64
	ExpandedRadiusKm float64
	BroadcastCount   int
	AcceptanceWindow time.Duration

	FareBase    float64
	FarePerKm   float64
	FareMinimum float64
	Currency    string

	DefaultSpeedMps float64
	OSRMEndpoint    string

	JWTSecret    string
	StripeAPIKey string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		InitialRadiusKm:  3,
		ExpandedRadiusKm: 6,
		BroadcastCount:   5,
		AcceptanceWindow: 15 * time.Second,
		FareBase:         10,
		FarePerKm:        5,
		FareMinimum:      15,
		Currency:         "zmw",
		DefaultSpeedMps:  10,
		RedisGeoKey:      "riders_geo",
		KafkaTopic:       "rider-locations",
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.InitialRadiusKm, "MATCHING_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.ExpandedRadiusKm, "MATCHING_EXPANDED_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.BroadcastCount, "MATCHING_BROADCAST_COUNT", &errs)
	setDurationFromEnv(&cfg.AcceptanceWindow, "MATCHING_ACCEPTANCE_WINDOW", &errs)

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FareMinimum, "FARE_MINIMUM", &errs)
	setStringFromEnv(&cfg.Currency, "FARE_CURRENCY")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BroadcastCount <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_BROADCAST_COUNT must be > 0"))
	}
	if cfg.InitialRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_INITIAL_RADIUS_KM must be > 0"))
	}
	if cfg.ExpandedRadiusKm < cfg.InitialRadiusKm {
		errs = append(errs, fmt.Errorf("MATCHING_EXPANDED_RADIUS_KM must be >= MATCHING_INITIAL_RADIUS_KM"))
	}
	if cfg.AcceptanceWindow <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_ACCEPTANCE_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
