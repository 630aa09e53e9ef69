package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/auth"
	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/directions"
	"github.com/example/ride-lifecycle/internal/events"
	"github.com/example/ride-lifecycle/internal/geo"
	httpapi "github.com/example/ride-lifecycle/internal/http"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matcher"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/pricing"
	"github.com/example/ride-lifecycle/internal/ratings"
	"github.com/example/ride-lifecycle/internal/retry"
	"github.com/example/ride-lifecycle/internal/storage"
)

type rideBackend interface {
	storage.RideStore
	storage.HistoryStore
	storage.TransactionStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", "error", err)
			}
		}
	}()

	var backend rideBackend
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			logger.Error("postgres", "error", err)
			os.Exit(1)
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, pg.DB(), cfg.MigrationsPath); err != nil {
				logger.Error("migration failed", "path", cfg.MigrationsPath, "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "path", cfg.MigrationsPath)
		}
		backend = pg
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		backend = storage.NewMemoryStore()
	}

	var pool geo.Pool = geo.NewIndex()
	ratingStore := ratings.Store(ratings.NewMemoryStore())
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Error("redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		closers = append(closers, rc.Close)
		pool = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoRadiusM)
		ratingStore = ratings.NewRedisStore(rc)
	}
	ratingSvc := ratings.NewService(ratingStore, logger)

	var routes directions.Provider = directions.StraightLine{SpeedMps: cfg.DefaultSpeedMps, DetourFactor: 1.3}
	if cfg.OSRMURL != "" {
		routes = directions.Fallback{Primary: directions.NewOSRMClient(cfg.OSRMURL, cfg.OSRMTimeout), Secondary: routes}
	}
	routes = directions.NewCache(routes, cfg.RouteCacheTTL, 8)

	var publishers events.Multi
	var locations ingest.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		closers = append(closers, producer.Close)
		locations = producer
	}
	if cfg.RabbitURL != "" {
		rp, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			logger.Error("rabbitmq", "error", err)
			os.Exit(1)
		}
		publishers = append(publishers, rp)
	}
	emitter := events.NewEmitter(publishers, logger)
	closers = append(closers, emitter.Close)

	var card payments.Gateway
	if cfg.StripeKey != "" {
		card = payments.NewStripeGateway(cfg.StripeKey, cfg.StripeCurrency, cfg.StripePaymentMethod)
	}

	sessions := lifecycle.NewSessions(lifecycle.Deps{
		Rides:      backend,
		History:    backend,
		Directions: routes,
		Pricing:    pricing.NewEngine(cfg.BaseFare, cfg.PerKmRate, cfg.PerMinuteRate),
		Matcher: &matcher.Service{
			Pool:            pool,
			Ratings:         ratingSvc,
			Directions:      routes,
			DefaultSpeedMps: cfg.DefaultSpeedMps,
			TopN:            cfg.MatcherTopN,
		},
		Events: emitter,
		Retry: retry.Policy{
			Attempts:  cfg.StoreRetryAttempts,
			BaseDelay: cfg.StoreRetryDelay,
			MaxDelay:  20 * cfg.StoreRetryDelay,
		},
		Logger: logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Sessions:       sessions,
		Auth:           auth.NewMemoryProvider(),
		Tokens:         auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL),
		Pool:           pool,
		Locations:      locations,
		Payments:       payments.NewService(card, backend, logger),
		Ratings:        ratingSvc,
		Events:         emitter,
		Logger:         logger,
		WSPingInterval: cfg.WSPingInterval,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("ride-lifecycle listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}

	api.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "error", err)
	}
}
