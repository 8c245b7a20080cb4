package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync"
	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/network"
)

func newWatchCommand(root *rootOptions, out io.Writer) *cobra.Command {
	var (
		target    string
		streaming bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync one target and print every sync event as a JSON line",
		Long: `watch authenticates with FLAGSYNC_API_KEY, subscribes to the stream
events named in FLAGSYNC_EVENTS and writes every sync event whose kind is
listed in FLAGSYNC_KINDS (all by default) to stdout. Metrics and a health
endpoint are served on METRICS_ADDR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("target") {
				cfg.Target = target
			}
			if cmd.Flags().Changed("stream") {
				cfg.StreamEnabled = streaming
			}
			log, err := root.logger(cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWatch(ctx, cfg, log, out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target identifier (overrides FLAGSYNC_TARGET)")
	cmd.Flags().BoolVar(&streaming, "stream", false, "follow the change stream (overrides FLAGSYNC_STREAM_ENABLED)")
	return cmd
}

func runWatch(ctx context.Context, cfg config.Config, log *slog.Logger, out io.Writer) error {
	kinds, err := parseKinds(cfg.Kinds)
	if err != nil {
		return err
	}

	shutdownTracer, err := initTracing(ctx, log)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	m := metrics.New()
	store, closeStore, err := openCache(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	pinger := network.NewPinger(cfg.BaseURL,
		network.WithInterval(cfg.PingInterval),
		network.WithHTTPClient(httpClient),
		network.WithLogger(log),
	)

	client, err := flagsync.New(flagsync.Config{
		BaseURL:         cfg.BaseURL,
		StreamURL:       cfg.StreamURL,
		Target:          cfg.Target,
		StreamEnabled:   cfg.StreamEnabled,
		PollingInterval: cfg.PollingInterval,
		RequestTimeout:  cfg.RequestTimeout,
	},
		flagsync.WithLogger(log),
		flagsync.WithStore(store),
		flagsync.WithHTTPClient(httpClient),
		flagsync.WithMonitor(pinger),
		flagsync.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Initialize(ctx, cfg.APIKey); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	events, err := client.Subscribe(ctx, cfg.Events...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	metricsServer := &http.Server{
		Handler:           newMetricsHandler(m, client.Status),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	serveCtx, cancelServe := context.WithCancel(ctx)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- serveHTTP(serveCtx, log, metricsServer, cfg.MetricsAddr, nil)
	}()
	defer func() {
		cancelServe()
		if err := <-serveErrCh; err != nil {
			log.Error("metrics server error", "error", err)
		}
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			log.Info("watch stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if kinds != nil && !kinds[ev.Kind] {
				continue
			}
			if err := enc.Encode(newEventRecord(ev, client.Mode(), time.Now())); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
}

// parseKinds returns the set of kinds to print, or nil for all of them.
func parseKinds(names []string) (map[flagsync.EventKind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kinds := make(map[flagsync.EventKind]bool, len(names))
	for _, name := range names {
		kind, err := flagsync.ParseEventKind(name)
		if err != nil {
			return nil, fmt.Errorf("parse FLAGSYNC_KINDS: %w", err)
		}
		kinds[kind] = true
	}
	return kinds, nil
}

// openCache returns the configured cache backend and a func releasing it.
func openCache(ctx context.Context, cfg config.Config, m *metrics.Metrics) (flagsync.Store, func(), error) {
	switch cfg.Cache {
	case config.CachePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := cache.NewPostgres(pool)
		metrics.RegisterCachePool(m.Registry, config.CachePostgres, store)
		return store, pool.Close, nil
	case config.CacheRedis:
		r, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		metrics.RegisterCachePool(m.Registry, config.CacheRedis, r)
		return r, func() { _ = r.Close() }, nil
	case config.CacheMemory, "":
		mem, err := cache.NewMemory()
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	default:
		return nil, nil, errors.New("unknown cache backend " + cfg.Cache)
	}
}

func newMetricsHandler(m *metrics.Metrics, status func() flagsync.Status) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := status()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"mode":       st.Mode,
			"subscribed": st.Subscribed,
			"reachable":  st.Reachable,
		})
	})
	return mux
}

// eventRecord is the JSON line written for each sync event.
type eventRecord struct {
	Time        time.Time             `json:"time"`
	Kind        string                `json:"kind"`
	Mode        flagsync.Mode         `json:"mode"`
	Message     *flagsync.Message     `json:"message,omitempty"`
	Evaluation  *flagsync.Evaluation  `json:"evaluation,omitempty"`
	Evaluations []flagsync.Evaluation `json:"evaluations,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func newEventRecord(ev flagsync.Event, mode flagsync.Mode, now time.Time) eventRecord {
	rec := eventRecord{
		Time:        now.UTC(),
		Kind:        ev.Kind.String(),
		Mode:        mode,
		Message:     ev.Message,
		Evaluation:  ev.Evaluation,
		Evaluations: ev.Evaluations,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}
