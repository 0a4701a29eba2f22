package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the engine process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaPingTopic  string
	KafkaEventTopic string

	PGDSN string

	ZoneFile        string
	ZoneRefresh     time.Duration
	DemandRecompute time.Duration

	// Matching.
	MaxPickupDistanceKm float64
	StalenessWindow     time.Duration
	MatcherTopN         int
	PayPerRideFallback  bool

	// Dispatch.
	OfferTTL        time.Duration
	OfferSweep      time.Duration
	RetryBudget     int
	ParkBackoff     time.Duration
	ParkMaxAttempts int

	// Pricing.
	DefaultSpeedMps float64
	SurgeSlope      float64

	// Escrow.
	AutoReleaseAfter time.Duration
	EscrowSweep      time.Duration
	Currency         string
	CommissionPct    float64
	StripeKey        string

	// Offer delivery fallback.
	PushEndpoint string
	PushKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:     "drivers_geo",
		KafkaPingTopic:  "driver-locations",
		KafkaEventTopic: "dispatch-events",

		ZoneFile:        "config/zones.json",
		ZoneRefresh:     30 * time.Second,
		DemandRecompute: 10 * time.Second,

		MaxPickupDistanceKm: 5,
		StalenessWindow:     90 * time.Second,
		MatcherTopN:         8,

		OfferTTL:        15 * time.Second,
		OfferSweep:      time.Second,
		RetryBudget:     5,
		ParkBackoff:     10 * time.Second,
		ParkMaxAttempts: 3,

		DefaultSpeedMps: 10,
		SurgeSlope:      0.25,

		AutoReleaseAfter: 48 * time.Hour,
		EscrowSweep:      time.Minute,
		Currency:         "usd",
		CommissionPct:    0.20,

		LogLevel: "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPingTopic, "KAFKA_PING_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.ZoneFile, "ZONE_FILE")
	setDurationFromEnv(&cfg.ZoneRefresh, "ZONE_REFRESH", &errs)
	setDurationFromEnv(&cfg.DemandRecompute, "DEMAND_RECOMPUTE", &errs)

	setFloatFromEnv(&cfg.MaxPickupDistanceKm, "MATCHER_MAX_DISTANCE_KM", &errs)
	setDurationFromEnv(&cfg.StalenessWindow, "MATCHER_STALENESS_WINDOW", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	cfg.PayPerRideFallback = strings.EqualFold(os.Getenv("PAY_PER_RIDE_FALLBACK"), "true")

	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.OfferSweep, "DISPATCH_OFFER_SWEEP", &errs)
	setIntFromEnv(&cfg.RetryBudget, "DISPATCH_RETRY_BUDGET", &errs)
	setDurationFromEnv(&cfg.ParkBackoff, "DISPATCH_PARK_BACKOFF", &errs)
	setIntFromEnv(&cfg.ParkMaxAttempts, "DISPATCH_PARK_ATTEMPTS", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "PRICING_DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.SurgeSlope, "PRICING_SURGE_SLOPE", &errs)

	setDurationFromEnv(&cfg.AutoReleaseAfter, "ESCROW_AUTO_RELEASE_AFTER", &errs)
	setDurationFromEnv(&cfg.EscrowSweep, "ESCROW_SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.Currency, "ESCROW_CURRENCY")
	setFloatFromEnv(&cfg.CommissionPct, "SETTLEMENT_COMMISSION_PCT", &errs)
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MaxPickupDistanceKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_DISTANCE_KM must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be > 0"))
	}
	if cfg.RetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_BUDGET must be > 0"))
	}
	if cfg.CommissionPct < 0 || cfg.CommissionPct >= 1 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_COMMISSION_PCT must be in [0, 1)"))
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
