// Command flagsync runs a feature flag sync session or a local flag
// authority.
//
//	flagsync watch     sync one target and print every event as a JSON line
//	flagsync stub      serve a local authority for development and tests
//	flagsync migrate   apply the PostgreSQL cache migrations
//
// All settings come from environment variables; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		slog.Error("flagsync failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	logFormat string
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "flagsync",
		Short:         "Keep feature flag evaluations in sync with a flag authority",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log output format: json or text")

	cmd.AddCommand(
		newWatchCommand(opts, out),
		newStubCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}

func (o *rootOptions) logger(level string) (*slog.Logger, error) {
	format, err := logging.ParseFormat(o.logFormat)
	if err != nil {
		return nil, err
	}
	log := logging.NewWithFormat(level, format, os.Stderr)
	slog.SetDefault(log)
	return log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// initTracing returns a shutdown func that flushes spans with its own
// timeout.
func initTracing(ctx context.Context, log *slog.Logger) (func(), error) {
	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}, nil
}

// serveHTTP runs srv on addr until ctx is done, then shuts it down. onShutdown
// runs before the server stops accepting so long-lived responses can end.
func serveHTTP(ctx context.Context, log *slog.Logger, srv *http.Server, addr string, onShutdown func()) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", addr, err)
	}
	defer lis.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	log.Info("http server started", "addr", lis.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}

	if onShutdown != nil {
		onShutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}
	return serveErr
}
