// Package config loads command configuration from environment variables.
//
// [Load] reads the sync client settings used by "flagsync watch".
//
// Required variables:
//   - FLAGSYNC_API_KEY: API key exchanged for a session token.
//
// Optional variables:
//   - FLAGSYNC_BASE_URL: authority client API root
//     (default "http://localhost:8080/api/1.0").
//   - FLAGSYNC_STREAM_URL: stream endpoint without the environment segment
//     (default FLAGSYNC_BASE_URL + "/stream/environments").
//   - FLAGSYNC_TARGET: target identifier (default "default").
//   - FLAGSYNC_STREAM_ENABLED: follow the change stream (default "false").
//   - FLAGSYNC_POLLING_INTERVAL: poll interval (default "60s", must be > 0;
//     values under 60s are raised to 60s by the client).
//   - FLAGSYNC_REQUEST_TIMEOUT: per-request timeout (default "30s", must be > 0).
//   - FLAGSYNC_EVENTS: comma-separated stream event names that refresh a flag
//     (default "*", every named event).
//   - FLAGSYNC_KINDS: comma-separated sync event kinds to print, such as
//     "snapshot,flag_updated" (default: all kinds).
//   - FLAGSYNC_CACHE: "memory", "postgres" or "redis" (default "memory").
//   - DATABASE_URL: PostgreSQL connection string, required for "postgres".
//   - REDIS_URL: Redis URL, required for "redis".
//   - FLAGSYNC_PING_INTERVAL: reachability ping interval (default "30s",
//     must be > 0).
//   - METRICS_ADDR: listen address for /metrics and /healthz (default ":9102").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//
// [LoadStub] reads the settings of the local authority run by "flagsync stub".
//
// Required variables:
//   - STUB_SIGNING_KEY: HS256 key for session tokens, at least 32 characters.
//
// Optional variables:
//   - STUB_ADDR: listen address (default ":8080").
//   - STUB_SEED_FILE: JSON seed with API keys and evaluations (default: the
//     built-in development seed).
//   - STUB_HEARTBEAT_INTERVAL: idle stream heartbeat (default "15s", must be > 0).
//   - AUTH_RATE_LIMIT: failed authentications per minute per client
//     (default "10", must be > 0).
//   - LOG_LEVEL: as above.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL           = "http://localhost:8080/api/1.0"
	defaultTarget            = "default"
	defaultPollingInterval   = 60 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultMetricsAddr       = ":9102"
	defaultStubAddr          = ":8080"
	defaultHeartbeatInterval = 15 * time.Second
	defaultAuthRateLimit     = 10

	minSigningKeyLength = 32
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
)

// Config holds the runtime configuration of the sync client command.
type Config struct {
	APIKey          string
	BaseURL         string
	StreamURL       string
	Target          string
	StreamEnabled   bool
	PollingInterval time.Duration
	RequestTimeout  time.Duration
	Events          []string
	Kinds           []string
	Cache           string
	DatabaseURL     string
	RedisURL        string
	PingInterval    time.Duration
	MetricsAddr     string
	LogLevel        string
}

// StubConfig holds the runtime configuration of the local authority.
type StubConfig struct {
	Addr              string
	SigningKey        string
	SeedFile          string
	HeartbeatInterval time.Duration
	AuthRateLimit     int
	LogLevel          string
}

// Load reads the client configuration from environment variables, applying
// defaults where appropriate. It returns an error if required variables are
// missing or if optional values fail validation.
func Load() (Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("FLAGSYNC_API_KEY"))
	if apiKey == "" {
		return Config{}, errors.New("FLAGSYNC_API_KEY is required")
	}

	streamEnabled := false
	if value := strings.TrimSpace(os.Getenv("FLAGSYNC_STREAM_ENABLED")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGSYNC_STREAM_ENABLED: %w", err)
		}
		streamEnabled = parsed
	}

	pollingInterval, err := positiveDuration("FLAGSYNC_POLLING_INTERVAL", defaultPollingInterval)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := positiveDuration("FLAGSYNC_REQUEST_TIMEOUT", defaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := positiveDuration("FLAGSYNC_PING_INTERVAL", defaultPingInterval)
	if err != nil {
		return Config{}, err
	}

	cacheBackend := strings.ToLower(envOrDefault("FLAGSYNC_CACHE", CacheMemory))
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	switch cacheBackend {
	case CacheMemory:
	case CachePostgres:
		if databaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when FLAGSYNC_CACHE is postgres")
		}
	case CacheRedis:
		if redisURL == "" {
			return Config{}, errors.New("REDIS_URL is required when FLAGSYNC_CACHE is redis")
		}
	default:
		return Config{}, fmt.Errorf("FLAGSYNC_CACHE must be one of memory, postgres, redis; got %q", cacheBackend)
	}

	return Config{
		APIKey:          apiKey,
		BaseURL:         envOrDefault("FLAGSYNC_BASE_URL", defaultBaseURL),
		StreamURL:       strings.TrimSpace(os.Getenv("FLAGSYNC_STREAM_URL")),
		Target:          envOrDefault("FLAGSYNC_TARGET", defaultTarget),
		StreamEnabled:   streamEnabled,
		PollingInterval: pollingInterval,
		RequestTimeout:  requestTimeout,
		Events:          splitList(envOrDefault("FLAGSYNC_EVENTS", "*")),
		Kinds:           splitList(os.Getenv("FLAGSYNC_KINDS")),
		Cache:           cacheBackend,
		DatabaseURL:     databaseURL,
		RedisURL:        redisURL,
		PingInterval:    pingInterval,
		MetricsAddr:     envOrDefault("METRICS_ADDR", defaultMetricsAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

// LoadStub reads the local authority configuration from environment
// variables.
func LoadStub() (StubConfig, error) {
	signingKey := strings.TrimSpace(os.Getenv("STUB_SIGNING_KEY"))
	if signingKey == "" {
		return StubConfig{}, errors.New("STUB_SIGNING_KEY is required")
	}
	if len(signingKey) < minSigningKeyLength {
		return StubConfig{}, fmt.Errorf("STUB_SIGNING_KEY must be at least %d characters", minSigningKeyLength)
	}

	heartbeat, err := positiveDuration("STUB_HEARTBEAT_INTERVAL", defaultHeartbeatInterval)
	if err != nil {
		return StubConfig{}, err
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return StubConfig{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return StubConfig{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	return StubConfig{
		Addr:              envOrDefault("STUB_ADDR", defaultStubAddr),
		SigningKey:        signingKey,
		SeedFile:          strings.TrimSpace(os.Getenv("STUB_SEED_FILE")),
		HeartbeatInterval: heartbeat,
		AuthRateLimit:     authRateLimit,
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
