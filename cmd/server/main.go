package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/dispatch-tracking/internal/auth"
	"github.com/example/dispatch-tracking/internal/config"
	"github.com/example/dispatch-tracking/internal/dispatch"
	"github.com/example/dispatch-tracking/internal/eta"
	"github.com/example/dispatch-tracking/internal/geo"
	httpapi "github.com/example/dispatch-tracking/internal/http"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/ingest"
	"github.com/example/dispatch-tracking/internal/logging"
	"github.com/example/dispatch-tracking/internal/matcher"
	"github.com/example/dispatch-tracking/internal/notify"
	"github.com/example/dispatch-tracking/internal/storage"
)

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var index geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		index = rg
	}

	var publisher ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	provider, err := routingProvider(cfg)
	if err != nil {
		logger.Error("routing provider unavailable", "provider", cfg.RoutingProvider, "error", err)
		os.Exit(1)
	}
	estimator := eta.NewEstimator(provider, eta.Options{
		Timeout:  cfg.RoutingTimeout,
		SpeedKmh: cfg.FallbackSpeedKmh,
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		Logger:   logger,
	})

	rooms := hub.New(logger)
	pipeline := ingest.NewPipeline(store, rooms, estimator, ingest.Options{
		ETABudget: cfg.ETABudget,
		Geo:       index,
		Publisher: publisher,
		Logger:    logger,
	})
	dispatcher := dispatch.NewService(store, rooms, dispatch.Options{
		Notifier: notify.NewNotifier(rooms, cfg.PushEndpoint, cfg.PushKey, logger),
		Logger:   logger,
	})
	m := &matcher.Service{
		Store:        store,
		Estimator:    estimator,
		Geo:          index,
		RadiusKm:     cfg.CandidatesRadiusKm,
		TopN:         cfg.CandidatesTopN,
		StalePenalty: 0.5,
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:          store,
		Hub:            rooms,
		Pipeline:       pipeline,
		Dispatch:       dispatcher,
		Estimator:      estimator,
		Matcher:        m,
		Auth:           auth.NewJWTResolver(cfg.JWTSecret),
		Logger:         logger,
		ETABudget:      cfg.ETABudget,
		WSWriteTimeout: cfg.WSWriteTimeout,
		WSPongWait:     cfg.WSPongWait,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr, "routing", cfg.RoutingProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}

func routingProvider(cfg config.ServerConfig) (eta.Provider, error) {
	switch cfg.RoutingProvider {
	case config.RoutingOSRM:
		return eta.NewOSRMProvider(cfg.OSRMEndpoint), nil
	case config.RoutingGoogle:
		return eta.NewGoogleProvider(cfg.GoogleMapsAPIKey)
	default:
		return nil, nil
	}
}
