package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/flagsync/internal/authority"
	"github.com/matt-riley/flagsync/internal/config"
)

func newStubCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stub",
		Short: "Serve a local flag authority",
		Long: `stub serves the client API and change stream on STUB_ADDR. API keys and
evaluations come from STUB_SEED_FILE, or from a built-in development seed
whose API key is "dev-api-key".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStub()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := root.logger(cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runStub(ctx, cfg, log)
		},
	}
}

func newStubServer(cfg config.StubConfig, log *slog.Logger) (*authority.Server, error) {
	srv, err := authority.New(authority.Config{
		SigningKey:               []byte(cfg.SigningKey),
		HeartbeatInterval:        cfg.HeartbeatInterval,
		MaxAuthFailuresPerMinute: cfg.AuthRateLimit,
	}, authority.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create authority: %w", err)
	}

	var seed authority.Seed
	if cfg.SeedFile != "" {
		seed, err = authority.LoadSeed(cfg.SeedFile)
	} else {
		seed, err = authority.DefaultSeed()
	}
	if err != nil {
		return nil, err
	}
	if err := srv.ApplySeed(seed, bcrypt.DefaultCost); err != nil {
		return nil, fmt.Errorf("apply seed: %w", err)
	}
	log.Info("authority seeded",
		"environments", len(seed.Environments),
		"api_keys", len(seed.APIKeys),
		"seed_file", cfg.SeedFile,
	)
	return srv, nil
}

func runStub(ctx context.Context, cfg config.StubConfig, log *slog.Logger) error {
	shutdownTracer, err := initTracing(ctx, log)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	srv, err := newStubServer(cfg, log)
	if err != nil {
		return err
	}

	// No read or write timeout: stream responses stay open.
	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(srv.Handler(), "flagsync-stub"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	return serveHTTP(ctx, log, httpServer, cfg.Addr, srv.Close)
}
