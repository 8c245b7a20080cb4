package flagsync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/matt-riley/flagsync/internal/auth"
	"github.com/matt-riley/flagsync/internal/controller"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/repository"
)

const (
	DefaultBaseURL = "http://localhost:8080/api/1.0"

	// MinPollingInterval is also the default. Shorter intervals are raised
	// to it.
	MinPollingInterval    = controller.DefaultPollingInterval
	DefaultRequestTimeout = controller.DefaultRequestTimeout

	streamPath = "/stream/environments"
)

type Config struct {
	// BaseURL is the authority's client API root. Defaults to DefaultBaseURL.
	BaseURL string
	// StreamURL is the stream endpoint without the environment segment.
	// Defaults to BaseURL + "/stream/environments".
	StreamURL string
	// Target identifies who the evaluations are for. Required.
	Target          string
	StreamEnabled   bool
	PollingInterval time.Duration
	RequestTimeout  time.Duration
}

func (c Config) withDefaults() (Config, error) {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid base url: %w", err)
	}
	c.StreamURL = strings.TrimRight(strings.TrimSpace(c.StreamURL), "/")
	if c.StreamURL == "" {
		c.StreamURL = c.BaseURL + streamPath
	}
	if _, err := url.ParseRequestURI(c.StreamURL); err != nil {
		return Config{}, fmt.Errorf("invalid stream url: %w", err)
	}
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return Config{}, errors.New("target is required")
	}
	if c.PollingInterval < MinPollingInterval {
		c.PollingInterval = MinPollingInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c, nil
}

// Transport is a stream connection built per session by a TransportFactory.
type Transport interface {
	controller.Transport
	Close() error
}

// TransportFactory builds the stream connection for an authenticated
// session. url already includes the environment.
type TransportFactory func(url, token string) Transport

// Source is the remote evaluation API.
type Source = repository.Source

// TokenIssuer exchanges an API key for a session token.
type TokenIssuer = auth.TokenIssuer

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStore sets the cache backend. Defaults to an in-process store.
func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithHTTPClient is used for authentication, fetches and, without its
// timeout, for the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMonitor(m Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.transportFactory = f }
}

// WithSource replaces the authority's evaluation API. The source is used as
// is; no token is attached to it.
func WithSource(s Source) Option {
	return func(c *Client) { c.source = s }
}

func WithTokenIssuer(i TokenIssuer) Option {
	return func(c *Client) { c.issuer = i }
}
