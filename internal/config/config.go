package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAddr            = ":8060"
	defaultRequestTimeout  = 30 * time.Second
	defaultAPIToken        = "default-dev-token"
	defaultCacheSize       = 10000
	defaultCacheTTL        = time.Hour
	defaultExpCacheSize    = 1000
	defaultExposureTopic   = "experiment.exposures"
	defaultEventsTopic     = "experiment.events"
	defaultEventsGroupID   = "experiment-engine"
	defaultEventsBatchSize = 100
	defaultFlushInterval   = 2 * time.Second
	defaultServiceName     = "experiment-engine"
)

// Cache sizes the lookaside caches.
type Cache struct {
	AssignmentSize int
	AssignmentTTL  time.Duration
	ExperimentSize int
	ExperimentTTL  time.Duration
	RedisURL       string
}

type Tracing struct {
	Endpoint    string
	ServiceName string
}

// Service captures runtime settings for the HTTP API binary.
type Service struct {
	Addr           string
	DatabaseURL    string
	RunMigrations  bool
	RequestTimeout time.Duration

	APITokens []string
	JWTSecret string
	JWTIssuer string

	Cache Cache

	KafkaBrokers  []string
	ExposureTopic string

	ArchiveBucket string
	ArchivePrefix string

	Tracing Tracing
}

// Consumer captures runtime settings for the event-consumer binary.
type Consumer struct {
	DatabaseURL   string
	RunMigrations bool
	KafkaBrokers  []string
	Topic         string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
	Tracing       Tracing
}

func databaseURL() (string, error) {
	url := firstNonEmpty(os.Getenv("EXPERIMENT_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if url == "" {
		return "", fmt.Errorf("DATABASE_URL or EXPERIMENT_ENGINE_DATABASE_URL is required")
	}
	return url, nil
}

func loadTracing() Tracing {
	return Tracing{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: getEnv("OTEL_SERVICE_NAME", defaultServiceName),
	}
}

// LoadService reads environment variables and returns a Service config.
func LoadService() (Service, error) {
	dbURL, err := databaseURL()
	if err != nil {
		return Service{}, err
	}
	cacheTTL := getDuration("CACHE_TTL", defaultCacheTTL)
	cfg := Service{
		Addr:           getEnv("EXPERIMENT_ENGINE_ADDR", defaultAddr),
		DatabaseURL:    dbURL,
		RunMigrations:  getBool("EXPERIMENT_ENGINE_RUN_MIGRATIONS", false),
		RequestTimeout: getDuration("EXPERIMENT_ENGINE_REQUEST_TIMEOUT", defaultRequestTimeout),
		APITokens:      parseCSV(getEnv("API_TOKEN", defaultAPIToken)),
		JWTSecret:      os.Getenv("EXPERIMENT_ENGINE_JWT_SECRET"),
		JWTIssuer:      os.Getenv("EXPERIMENT_ENGINE_JWT_ISSUER"),
		Cache: Cache{
			AssignmentSize: getInt("CACHE_MAX_SIZE", defaultCacheSize),
			AssignmentTTL:  cacheTTL,
			ExperimentSize: getInt("EXPERIMENT_CACHE_MAX_SIZE", defaultExpCacheSize),
			ExperimentTTL:  getDuration("EXPERIMENT_CACHE_TTL", 2*cacheTTL),
			RedisURL:       os.Getenv("REDIS_URL"),
		},
		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		ExposureTopic: getEnv("EXPOSURE_TOPIC", defaultExposureTopic),
		ArchiveBucket: os.Getenv("RESULTS_ARCHIVE_BUCKET"),
		ArchivePrefix: strings.Trim(os.Getenv("RESULTS_ARCHIVE_PREFIX"), "/"),
		Tracing:       loadTracing(),
	}
	return cfg, nil
}

// LoadConsumer reads environment variables and returns a Consumer config.
func LoadConsumer() (Consumer, error) {
	dbURL, err := databaseURL()
	if err != nil {
		return Consumer{}, err
	}
	cfg := Consumer{
		DatabaseURL:   dbURL,
		RunMigrations: getBool("EXPERIMENT_ENGINE_RUN_MIGRATIONS", false),
		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		Topic:         getEnv("EVENTS_TOPIC", defaultEventsTopic),
		GroupID:       getEnv("EVENTS_GROUP_ID", defaultEventsGroupID),
		BatchSize:     getInt("EVENTS_BATCH_SIZE", defaultEventsBatchSize),
		FlushInterval: getDuration("EVENTS_FLUSH_INTERVAL", defaultFlushInterval),
		Tracing:       loadTracing(),
	}
	if len(cfg.KafkaBrokers) == 0 {
		return Consumer{}, fmt.Errorf("KAFKA_BROKERS is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
