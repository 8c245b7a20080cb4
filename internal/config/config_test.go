package config

import (
	"slices"
	"testing"
	"time"
)

var clientVars = []string{
	"FLAGSYNC_API_KEY",
	"FLAGSYNC_BASE_URL",
	"FLAGSYNC_STREAM_URL",
	"FLAGSYNC_TARGET",
	"FLAGSYNC_STREAM_ENABLED",
	"FLAGSYNC_POLLING_INTERVAL",
	"FLAGSYNC_REQUEST_TIMEOUT",
	"FLAGSYNC_EVENTS",
	"FLAGSYNC_KINDS",
	"FLAGSYNC_CACHE",
	"FLAGSYNC_PING_INTERVAL",
	"DATABASE_URL",
	"REDIS_URL",
	"METRICS_ADDR",
	"LOG_LEVEL",
}

func clearClientEnv(t *testing.T) {
	t.Helper()
	for _, key := range clientVars {
		t.Setenv(key, "")
	}
}

func TestLoad_RequiredAPIKey(t *testing.T) {
	clearClientEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when FLAGSYNC_API_KEY is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("FLAGSYNC_API_KEY", "key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080/api/1.0" {
		t.Errorf("BaseURL = %q, want default", cfg.BaseURL)
	}
	if cfg.StreamURL != "" {
		t.Errorf("StreamURL = %q, want empty", cfg.StreamURL)
	}
	if cfg.Target != "default" {
		t.Errorf("Target = %q, want default", cfg.Target)
	}
	if cfg.StreamEnabled {
		t.Error("StreamEnabled = true, want false")
	}
	if cfg.PollingInterval != time.Minute {
		t.Errorf("PollingInterval = %v, want 1m", cfg.PollingInterval)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if !slices.Equal(cfg.Events, []string{"*"}) {
		t.Errorf("Events = %v, want [*]", cfg.Events)
	}
	if len(cfg.Kinds) != 0 {
		t.Errorf("Kinds = %v, want none", cfg.Kinds)
	}
	if cfg.Cache != CacheMemory {
		t.Errorf("Cache = %q, want memory", cfg.Cache)
	}
	if cfg.MetricsAddr != ":9102" {
		t.Errorf("MetricsAddr = %q, want :9102", cfg.MetricsAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_Custom(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("FLAGSYNC_API_KEY", " key ")
	t.Setenv("FLAGSYNC_BASE_URL", "https://config.example.com/api/1.0")
	t.Setenv("FLAGSYNC_STREAM_URL", "https://events.example.com/stream")
	t.Setenv("FLAGSYNC_TARGET", "web")
	t.Setenv("FLAGSYNC_STREAM_ENABLED", "true")
	t.Setenv("FLAGSYNC_POLLING_INTERVAL", "2m")
	t.Setenv("FLAGSYNC_EVENTS", "flag, segment,,")
	t.Setenv("FLAGSYNC_KINDS", "snapshot, flag_updated")
	t.Setenv("FLAGSYNC_CACHE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "key" {
		t.Errorf("APIKey = %q, want trimmed", cfg.APIKey)
	}
	if cfg.StreamURL != "https://events.example.com/stream" {
		t.Errorf("StreamURL = %q", cfg.StreamURL)
	}
	if cfg.Target != "web" || !cfg.StreamEnabled {
		t.Errorf("Target = %q, StreamEnabled = %v", cfg.Target, cfg.StreamEnabled)
	}
	if cfg.PollingInterval != 2*time.Minute {
		t.Errorf("PollingInterval = %v, want 2m", cfg.PollingInterval)
	}
	if !slices.Equal(cfg.Events, []string{"flag", "segment"}) {
		t.Errorf("Events = %v", cfg.Events)
	}
	if !slices.Equal(cfg.Kinds, []string{"snapshot", "flag_updated"}) {
		t.Errorf("Kinds = %v", cfg.Kinds)
	}
	if cfg.Cache != CacheRedis || cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Cache = %q, RedisURL = %q", cfg.Cache, cfg.RedisURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "stream enabled", key: "FLAGSYNC_STREAM_ENABLED", val: "maybe"},
		{name: "polling interval", key: "FLAGSYNC_POLLING_INTERVAL", val: "not-a-duration"},
		{name: "zero polling interval", key: "FLAGSYNC_POLLING_INTERVAL", val: "0s"},
		{name: "negative request timeout", key: "FLAGSYNC_REQUEST_TIMEOUT", val: "-1s"},
		{name: "ping interval", key: "FLAGSYNC_PING_INTERVAL", val: "0"},
		{name: "unknown cache", key: "FLAGSYNC_CACHE", val: "disk"},
		{name: "postgres without url", key: "FLAGSYNC_CACHE", val: "postgres"},
		{name: "redis without url", key: "FLAGSYNC_CACHE", val: "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearClientEnv(t)
			t.Setenv("FLAGSYNC_API_KEY", "key")
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_PostgresCache(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("FLAGSYNC_API_KEY", "key")
	t.Setenv("FLAGSYNC_CACHE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache != CachePostgres || cfg.DatabaseURL != "postgres://localhost/test" {
		t.Errorf("Cache = %q, DatabaseURL = %q", cfg.Cache, cfg.DatabaseURL)
	}
}

func clearStubEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"STUB_ADDR", "STUB_SIGNING_KEY", "STUB_SEED_FILE", "STUB_HEARTBEAT_INTERVAL", "AUTH_RATE_LIMIT", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestLoadStub_RequiredSigningKey(t *testing.T) {
	clearStubEnv(t)
	if _, err := LoadStub(); err == nil {
		t.Fatal("LoadStub() should fail when STUB_SIGNING_KEY is empty")
	}

	t.Setenv("STUB_SIGNING_KEY", "short")
	if _, err := LoadStub(); err == nil {
		t.Fatal("LoadStub() should fail when STUB_SIGNING_KEY < 32 chars")
	}
}

func TestLoadStub_Defaults(t *testing.T) {
	clearStubEnv(t)
	t.Setenv("STUB_SIGNING_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := LoadStub()
	if err != nil {
		t.Fatalf("LoadStub() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.SeedFile != "" {
		t.Errorf("SeedFile = %q, want empty", cfg.SeedFile)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
}

func TestLoadStub_Invalid(t *testing.T) {
	clearStubEnv(t)
	t.Setenv("STUB_SIGNING_KEY", "0123456789abcdef0123456789abcdef")

	t.Setenv("AUTH_RATE_LIMIT", "0")
	if _, err := LoadStub(); err == nil {
		t.Fatal("LoadStub() should fail for AUTH_RATE_LIMIT=0")
	}
	t.Setenv("AUTH_RATE_LIMIT", "")
	t.Setenv("STUB_HEARTBEAT_INTERVAL", "soon")
	if _, err := LoadStub(); err == nil {
		t.Fatal("LoadStub() should fail for invalid STUB_HEARTBEAT_INTERVAL")
	}
}

func TestEnvOrDefault_EmptyReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_WhitespaceReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "   ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_ValueReturnsValue(t *testing.T) {
	t.Setenv("TEST_KEY", " value ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "value" {
		t.Errorf("envOrDefault() = %q, want %q", got, "value")
	}
}
