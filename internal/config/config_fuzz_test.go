package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":9102")
	f.Add("  web  ", "default")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FLAGSYNC_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadPollingInterval(f *testing.F) {
	f.Add("")
	f.Add("60s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, pollingInterval string) {
		if strings.ContainsRune(pollingInterval, '\x00') {
			t.Skip()
		}

		clearClientEnv(t)
		t.Setenv("FLAGSYNC_API_KEY", "key")
		t.Setenv("FLAGSYNC_POLLING_INTERVAL", pollingInterval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(pollingInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty FLAGSYNC_POLLING_INTERVAL", err)
			}
			if cfg.PollingInterval != defaultPollingInterval {
				t.Fatalf("PollingInterval = %s, want %s", cfg.PollingInterval, defaultPollingInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for FLAGSYNC_POLLING_INTERVAL=%q", pollingInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for FLAGSYNC_POLLING_INTERVAL=%q", err, pollingInterval)
		}
		if cfg.PollingInterval != parsed {
			t.Fatalf("PollingInterval = %s, want %s", cfg.PollingInterval, parsed)
		}
	})
}

func FuzzSplitList(f *testing.F) {
	f.Add("*")
	f.Add("snapshot, opened,,")
	f.Add("")

	f.Fuzz(func(t *testing.T, value string) {
		for _, part := range splitList(value) {
			if part == "" || part != strings.TrimSpace(part) || strings.Contains(part, ",") {
				t.Fatalf("splitList(%q) produced %q", value, part)
			}
		}
	})
}
