package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/retry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	poolUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_updates_total",
		Help: "Total successful driver pool updates",
	})
	poolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_errors_total",
		Help: "Total driver pool updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, poolUpdates, poolErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "driver-location-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pool := geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0)

	go serveOps(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	policy := retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryDelay, MaxDelay: 10 * cfg.RetryDelay}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		handleMessage(ctx, pool, m, policy, logger)
	}
}

// handleMessage decodes one location report and writes it to the pool,
// retrying failed writes under policy.
func handleMessage(ctx context.Context, pool geo.Pool, m kafka.Message, policy retry.Policy, logger *slog.Logger) error {
	msgsConsumed.Inc()
	d, err := ingest.Decode(m)
	if err != nil || d.ID == "" {
		msgsInvalid.Inc()
		if err == nil {
			err = errors.New("driver id missing")
		}
		logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return err
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return pool.Upsert(ctx, d)
	})
	if err != nil {
		poolErrors.Inc()
		logger.Error("driver pool update failed", "driver_id", d.ID, "error", err)
		return err
	}
	poolUpdates.Inc()
	return nil
}

func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
