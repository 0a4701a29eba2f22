package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/config"
	"github.com/example/dispatch-engine/internal/demand"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/escrow"
	"github.com/example/dispatch-engine/internal/geo"
	httpapi "github.com/example/dispatch-engine/internal/http"
	"github.com/example/dispatch-engine/internal/ingest"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/payments"
	"github.com/example/dispatch-engine/internal/pricing"
	"github.com/example/dispatch-engine/internal/quota"
	"github.com/example/dispatch-engine/internal/storage"
	"github.com/example/dispatch-engine/internal/zone"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// storage
	var store interface {
		storage.RequestStore
		storage.OfferStore
		storage.EscrowStore
	}
	var ledger quota.Ledger
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := runMigrations(ps, logger); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		store = ps
		ledger = quota.NewPostgresLedgerWithDB(ps.DB())
	} else {
		store = storage.NewMemoryStore()
		ledger = quota.NewMemoryLedger()
		logger.Warn("PG_DSN not set, using in-memory storage")
	}

	// driver locations
	var locations geo.LocationStore
	if cfg.RedisAddr != "" {
		locations = geo.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StalenessWindow)
	} else {
		locations = geo.NewIndex(cfg.StalenessWindow)
	}

	// zones
	zones, err := zone.LoadFile(cfg.ZoneFile)
	if err != nil {
		logger.Error("zone file load failed", "file", cfg.ZoneFile, "error", err)
		os.Exit(1)
	}
	classifier := zone.NewClassifier(zones)
	go classifier.WatchFile(ctx, cfg.ZoneFile, cfg.ZoneRefresh, logging.ForComponent(logger, "zones"))

	// demand and pricing
	estimator := demand.NewEstimator(cfg.StalenessWindow)
	engine := pricing.NewEngine(pricing.LinearCurve{Slope: cfg.SurgeSlope}, cfg.DefaultSpeedMps, cfg.Currency)
	go estimator.Run(ctx, cfg.DemandRecompute, func(k demand.Key, s demand.Stats) {
		if z, ok := classifier.Zone(k.ZoneID); ok {
			observability.SurgeMultiplier.WithLabelValues(k.ZoneID, string(k.Class)).Set(engine.Surge(z, s.Ratio))
		}
	})

	// escrow; without a gateway holds are ledger-only, which is what the
	// in-memory development mode wants
	var gateway escrow.Gateway
	if cfg.StripeKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, escrow settles without a payment gateway")
	}
	escrowSvc := escrow.NewService(store, gateway, cfg.AutoReleaseAfter, logging.ForComponent(logger, "escrow"))
	go escrowSvc.Run(ctx, cfg.EscrowSweep)

	// offers out, responses in
	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg, logging.ForComponent(logger, "push"))

	var kp *ingest.KafkaProducer
	var events dispatch.EventSink = dispatch.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPingTopic)
		defer kp.Close()
		sink := ingest.NewKafkaEventSink(cfg.KafkaBrokers, cfg.KafkaEventTopic, logging.ForComponent(logger, "events"))
		defer sink.Close()
		events = sink
	}

	m := &matcher.Service{
		Locations:          locations,
		Quota:              ledger,
		MaxDistanceKm:      cfg.MaxPickupDistanceKm,
		TopN:               cfg.MatcherTopN,
		PayPerRideFallback: cfg.PayPerRideFallback,
	}

	d := dispatch.NewDispatcher(dispatch.Config{
		OfferTTL:           cfg.OfferTTL,
		OfferSweep:         cfg.OfferSweep,
		RetryBudget:        cfg.RetryBudget,
		ParkBackoff:        cfg.ParkBackoff,
		ParkMaxAttempts:    cfg.ParkMaxAttempts,
		PayPerRideFallback: cfg.PayPerRideFallback,
		CommissionPct:      cfg.CommissionPct,
		Currency:           cfg.Currency,
	}, dispatch.Deps{
		Store:        store,
		Offers:       store,
		Matcher:      m,
		Quoter:       &dispatch.ZoneQuoter{Zones: classifier, Demand: estimator, Pricing: engine},
		Quota:        ledger,
		Escrow:       escrowSvc,
		Locations:    locations,
		Notifier:     notifier,
		Events:       events,
		Demand:       estimator,
		CancelPolicy: pricing.FlatCancellationPolicy{Amount: 200},
		Log:          logging.ForComponent(logger, "dispatch"),
	})
	d.Start(ctx)

	srv := httpapi.NewServer(d, escrowSvc, locations, classifier, estimator, kp, wsreg, logging.ForComponent(logger, "http"))
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(ps *storage.PostgresStore, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		start := time.Now()
		if _, err := ps.DB().Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", f, "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}
