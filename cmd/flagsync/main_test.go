package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/flagsync"
	"github.com/matt-riley/flagsync/internal/authority"
	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
)

var discard = slog.New(slog.DiscardHandler)

const stubSigningKey = "0123456789abcdef0123456789abcdef"

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand(io.Discard)
	for _, name := range []string{"watch", "stub", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestRootCommandRejectsUnknownLogFormat(t *testing.T) {
	t.Setenv("STUB_SIGNING_KEY", stubSigningKey)
	root := newRootCommand(io.Discard)
	root.SetArgs([]string{"stub", "--log-format", "yaml"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown log format") {
		t.Fatalf("Execute() error = %v, want unknown log format", err)
	}
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := newRootCommand(io.Discard)
	root.SetArgs([]string{"migrate"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL is required") {
		t.Fatalf("Execute() error = %v, want DATABASE_URL is required", err)
	}
}

func TestWatchRequiresAPIKey(t *testing.T) {
	t.Setenv("FLAGSYNC_API_KEY", "")
	root := newRootCommand(io.Discard)
	root.SetArgs([]string{"watch"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "FLAGSYNC_API_KEY") {
		t.Fatalf("Execute() error = %v, want missing FLAGSYNC_API_KEY", err)
	}
}

func TestOpenCacheMemory(t *testing.T) {
	store, closeStore, err := openCache(context.Background(), config.Config{Cache: config.CacheMemory}, metrics.New())
	if err != nil {
		t.Fatalf("openCache() error = %v", err)
	}
	defer closeStore()

	if err := store.Set(context.Background(), "k", []byte(`{}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, err := store.Get(context.Background(), "k"); err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want hit", ok, err)
	}
}

func TestOpenCacheUnknownBackend(t *testing.T) {
	if _, _, err := openCache(context.Background(), config.Config{Cache: "disk"}, metrics.New()); err == nil {
		t.Fatal("openCache() error = nil, want error")
	}
}

func TestNewMetricsHandler(t *testing.T) {
	m := metrics.New()
	m.IncPolls()
	handler := newMetricsHandler(m, func() flagsync.Status {
		return flagsync.Status{Mode: flagsync.ModePolling, Subscribed: true, Reachable: true}
	})

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode healthz: %v", err)
		}
		if body["mode"] != "polling" || body["subscribed"] != true {
			t.Fatalf("healthz body = %v", body)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), "flagsync_polls_total 1") {
			t.Fatalf("metrics output missing polls counter:\n%s", rec.Body.String())
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewEventRecord(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	eval := core.Evaluation{Flag: "f", Value: core.BoolValue(true)}
	rec := newEventRecord(flagsync.Event{
		Kind:       flagsync.EventFlagUpdated,
		Evaluation: &eval,
		Err:        errors.New("boom"),
	}, flagsync.ModeStreaming, now)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(rec); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"time":"2026-01-02T03:04:05Z","kind":"flag_updated","mode":"streaming","evaluation":{"flag":"f","value":true},"error":"boom"}` + "\n"
	if buf.String() != want {
		t.Fatalf("record = %s, want %s", buf.String(), want)
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds(nil)
	if err != nil || kinds != nil {
		t.Fatalf("parseKinds(nil) = %v, %v, want nil set", kinds, err)
	}

	kinds, err = parseKinds([]string{"snapshot", " Flag_Updated "})
	if err != nil {
		t.Fatalf("parseKinds() error = %v", err)
	}
	if len(kinds) != 2 || !kinds[flagsync.EventSnapshot] || !kinds[flagsync.EventFlagUpdated] {
		t.Fatalf("parseKinds() = %v", kinds)
	}

	if _, err := parseKinds([]string{"flag"}); err == nil || !strings.Contains(err.Error(), "FLAGSYNC_KINDS") {
		t.Fatalf("parseKinds(flag) error = %v, want FLAGSYNC_KINDS error", err)
	}
}

func TestRunWatchRejectsUnknownKind(t *testing.T) {
	cfg := config.Config{APIKey: "k", Kinds: []string{"bogus"}}
	if err := runWatch(context.Background(), cfg, discard, io.Discard); err == nil {
		t.Fatal("runWatch() error = nil, want unknown kind")
	}
}

func TestNewStubServerDefaultSeed(t *testing.T) {
	srv, err := newStubServer(config.StubConfig{SigningKey: stubSigningKey, AuthRateLimit: 10}, discard)
	if err != nil {
		t.Fatalf("newStubServer() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	defer srv.Close()

	body := `{"apiKey":"dev-api-key","target":{"identifier":"beta","name":"beta"}}`
	resp, err := hs.Client().Post(hs.URL+authority.APIPrefix+"/client/auth", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestNewStubServerSeedFile(t *testing.T) {
	dir := t.TempDir()

	missing := config.StubConfig{SigningKey: stubSigningKey, SeedFile: filepath.Join(dir, "missing.json")}
	if _, err := newStubServer(missing, discard); err == nil {
		t.Fatal("newStubServer() with missing seed file error = nil, want error")
	}

	path := filepath.Join(dir, "seed.json")
	seed := `{"apiKeys":[{"key":"k","environment":"e"}],"environments":[{"id":"e","targets":{"*":[{"flag":"a","value":1}]}}]}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	srv, err := newStubServer(config.StubConfig{SigningKey: stubSigningKey, SeedFile: path}, discard)
	if err != nil {
		t.Fatalf("newStubServer() error = %v", err)
	}
	defer srv.Close()

	eval, found, err := srv.Store().Get("e", "anyone", "a")
	if err != nil || !found || !eval.Value.Equal(core.IntValue(1)) {
		t.Fatalf("Get() = %+v, %v, %v, want a=1", eval, found, err)
	}
}

func TestRunWatchAgainstStub(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	srv, err := newStubServer(config.StubConfig{SigningKey: stubSigningKey}, discard)
	if err != nil {
		t.Fatalf("newStubServer() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	defer srv.Close()

	cfg := config.Config{
		APIKey:          "dev-api-key",
		BaseURL:         hs.URL + authority.APIPrefix,
		Target:          "beta",
		StreamEnabled:   true,
		PollingInterval: time.Minute,
		RequestTimeout:  5 * time.Second,
		Events:          []string{"flag"},
		Kinds:           []string{"snapshot", "opened"},
		Cache:           config.CacheMemory,
		PingInterval:    time.Minute,
		MetricsAddr:     "127.0.0.1:0",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, cfg, discard, pw)
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	var kinds []string
	for scanner.Scan() {
		var rec eventRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode event line %q: %v", scanner.Text(), err)
		}
		kinds = append(kinds, rec.Kind)
		if rec.Kind == "snapshot" && len(rec.Evaluations) == 0 {
			t.Fatalf("snapshot without evaluations: %s", scanner.Text())
		}
		if rec.Kind == "opened" {
			break
		}
	}
	if len(kinds) < 2 || kinds[0] != "snapshot" || kinds[len(kinds)-1] != "opened" {
		t.Fatalf("event kinds = %v, want snapshots followed by opened", kinds)
	}

	go func() { _, _ = io.Copy(io.Discard, pr) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWatch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runWatch() did not return after cancel")
	}
}
