package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-lifecycle/internal/pricing"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that run the
// binary fully in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoRadiusM    float64

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string

	RabbitURL      string
	RabbitExchange string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64

	OSRMURL       string
	OSRMTimeout   time.Duration
	RouteCacheTTL time.Duration

	StripeKey           string
	StripeCurrency      string
	StripePaymentMethod string

	JWTSecret string
	TokenTTL  time.Duration

	StoreRetryAttempts int
	StoreRetryDelay    time.Duration
	WSPingInterval     time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		GeoRadiusM:          5000,
		KafkaLocationsTopic: "driver-locations",
		KafkaEventsTopic:    "ride-events",
		RabbitExchange:      "ride.events",
		MigrationsPath:      "migrations/001_create_rides.sql",
		BaseFare:            pricing.DefaultBaseFare,
		PerKmRate:           pricing.DefaultPerKmRate,
		PerMinuteRate:       pricing.DefaultPerMinuteRate,
		OSRMTimeout:         3 * time.Second,
		RouteCacheTTL:       5 * time.Minute,
		StripeCurrency:      "usd",
		StripePaymentMethod: "pm_card_visa",
		TokenTTL:            24 * time.Hour,
		StoreRetryAttempts:  3,
		StoreRetryDelay:     100 * time.Millisecond,
		WSPingInterval:      30 * time.Second,
		DefaultSpeedMps:     10,
		MatcherTopN:         8,
		LogLevel:            "info",
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
	setFloatFromEnv(&cfg.GeoRadiusM, "GEO_RADIUS_METERS", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	setStringFromEnv(&cfg.RabbitExchange, "RABBITMQ_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	setFloatFromEnv(&cfg.BaseFare, "PRICING_BASE_FARE", &errs)
	setFloatFromEnv(&cfg.PerKmRate, "PRICING_PER_KM", &errs)
	setFloatFromEnv(&cfg.PerMinuteRate, "PRICING_PER_MINUTE", &errs)

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setDurationFromEnv(&cfg.OSRMTimeout, "OSRM_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.StripeKey = os.Getenv("STRIPE_SECRET_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	setStringFromEnv(&cfg.StripePaymentMethod, "STRIPE_PAYMENT_METHOD")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	setIntFromEnv(&cfg.StoreRetryAttempts, "STORE_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.StoreRetryDelay, "STORE_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.StoreRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.BaseFare < 0 || cfg.PerKmRate < 0 || cfg.PerMinuteRate < 0 {
		errs = append(errs, fmt.Errorf("pricing rates must be >= 0"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.WSPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver-location consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaTopic:    "driver-locations",
		KafkaGroupID:  "driver-locations-consumer",
		RedisGeoKey:   "drivers_geo",
		MetricsAddr:   ":9090",
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
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
