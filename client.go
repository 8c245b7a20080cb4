package flagsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/juju/clock"

	"github.com/matt-riley/flagsync/internal/auth"
	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/controller"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/remote"
	"github.com/matt-riley/flagsync/internal/repository"
	"github.com/matt-riley/flagsync/internal/stream"
)

// Client is one sync session. It is safe for concurrent use.
type Client struct {
	cfg Config

	logger           *slog.Logger
	store            Store
	httpClient       *http.Client
	monitor          Monitor
	clock            clock.Clock
	metrics          *metrics.Metrics
	transportFactory TransportFactory
	source           Source
	issuer           TokenIssuer

	// initMu serializes Initialize; mu guards the session fields.
	initMu    sync.Mutex
	mu        sync.Mutex
	closed    bool
	session   auth.Session
	repo      *repository.Repository
	ctrl      *controller.Controller
	transport Transport
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		mem, err := cache.NewMemory()
		if err != nil {
			return nil, err
		}
		c.store = mem
	}
	if c.transportFactory == nil {
		c.transportFactory = c.defaultTransport
	}
	c.logger = c.logger.With("component", "client", "target", cfg.Target)
	return c, nil
}

func (c *Client) defaultTransport(streamURL, token string) Transport {
	var hc *http.Client
	if c.httpClient != nil {
		hc = &http.Client{Transport: c.httpClient.Transport}
	}
	return stream.New(stream.Config{
		URL:        streamURL,
		Token:      token,
		HTTPClient: hc,
		Logger:     c.logger,
	})
}

// Initialize authenticates apiKey and starts a new session, replacing any
// previous one. Authentication failures are fatal and reported as ErrAuth.
// The cache is then warmed from the authority; a failed warm-up is logged
// and does not fail Initialize.
//
// The network round trips run without holding the client lock, so reads and
// Status keep answering from the previous session meanwhile.
func (c *Client) Initialize(ctx context.Context, apiKey string) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	api := remote.New(remote.Config{
		BaseURL:    c.cfg.BaseURL,
		Timeout:    c.cfg.RequestTimeout,
		HTTPClient: c.httpClient,
	})
	issuer := c.issuer
	if issuer == nil {
		issuer = api
	}

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	session, err := auth.Login(authCtx, issuer, apiKey, c.cfg.Target)
	cancel()
	if err != nil {
		return err
	}

	source := c.source
	if source == nil {
		source = api.WithToken(session.Token)
	}
	repo, err := repository.New(source, c.store, session.Identity,
		repository.WithLogger(c.logger),
		repository.WithMetrics(c.metrics),
	)
	if err != nil {
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	if _, err := repo.FetchAll(warmCtx); err != nil {
		c.logger.Warn("initial fetch failed", "error", err)
	}
	cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	transport := c.transportFactory(c.cfg.StreamURL+"/"+url.PathEscape(session.Identity.EnvironmentID), session.Token)
	opts := []controller.Option{
		controller.WithTransport(transport),
		controller.WithClock(c.clock),
		controller.WithLogger(c.logger),
		controller.WithMetrics(c.metrics),
	}
	if c.monitor != nil {
		opts = append(opts, controller.WithMonitor(c.monitor))
	}
	ctrl, err := controller.New(repo, controller.Config{
		PollingInterval: c.cfg.PollingInterval,
		RequestTimeout:  c.cfg.RequestTimeout,
		StreamEnabled:   c.cfg.StreamEnabled,
	}, opts...)
	if err != nil {
		c.mu.Unlock()
		_ = transport.Close()
		return err
	}

	prevCtrl, prevTransport := c.ctrl, c.transport
	c.session = session
	c.repo = repo
	c.ctrl = ctrl
	c.transport = transport
	c.mu.Unlock()

	stopSession(prevCtrl, prevTransport)
	c.logger.Info("session initialized",
		"environment", session.Identity.EnvironmentID,
		"environment_identifier", session.EnvironmentIdentifier,
	)
	return nil
}

// stopSession stops a session's controller and then its transport. Either
// may be nil.
func stopSession(ctrl *controller.Controller, transport Transport) {
	if ctrl != nil {
		_ = ctrl.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

func (c *Client) current() (*controller.Controller, *repository.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.ctrl == nil {
		return nil, nil, ErrNotAuthenticated
	}
	return c.ctrl, c.repo, nil
}

// Identity returns the environment and target of the current session.
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Identity, c.ctrl != nil
}

// Subscribe starts delivery and returns the event channel. events names the
// stream events that refresh a flag; none, or AllEvents, selects all of them.
func (c *Client) Subscribe(ctx context.Context, events ...string) (<-chan Event, error) {
	ctrl, _, err := c.current()
	if err != nil {
		return nil, err
	}
	return ctrl.Subscribe(ctx, events...)
}

func (c *Client) Unsubscribe() {
	if ctrl, _, err := c.current(); err == nil {
		ctrl.Unsubscribe()
	}
}

// SetStreamingEnabled applies to the running session and to sessions started
// by later calls to Initialize.
func (c *Client) SetStreamingEnabled(enabled bool) {
	c.mu.Lock()
	c.cfg.StreamEnabled = enabled
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl != nil {
		ctrl.SetStreamingEnabled(enabled)
	}
}

func (c *Client) Mode() Mode {
	return c.Status().Mode
}

func (c *Client) Status() Status {
	ctrl, _, err := c.current()
	if err != nil {
		return Status{Mode: ModeOffline}
	}
	return ctrl.Status()
}

// Evaluation fetches flag from the authority, falling back to the cache.
func (c *Client) Evaluation(ctx context.Context, flag string) (Evaluation, error) {
	_, repo, err := c.current()
	if err != nil {
		return Evaluation{}, err
	}
	return repo.FetchOne(ctx, flag)
}

// Evaluations fetches every evaluation from the authority, falling back to
// the cache.
func (c *Client) Evaluations(ctx context.Context) ([]Evaluation, error) {
	_, repo, err := c.current()
	if err != nil {
		return nil, err
	}
	return repo.FetchAll(ctx)
}

func (c *Client) cachedValue(ctx context.Context, flag string) (Value, bool) {
	_, repo, err := c.current()
	if err != nil {
		return Value{}, false
	}
	eval, err := repo.CachedOne(ctx, flag)
	if err != nil {
		if !errors.Is(err, ErrNoData) {
			c.logger.Warn("read cached evaluation", "flag", flag, "error", err)
		}
		return Value{}, false
	}
	return eval.Value, true
}

// BoolVariation returns the cached value of flag, or def when it is not
// cached or is not a boolean.
func (c *Client) BoolVariation(ctx context.Context, flag string, def bool) bool {
	if v, ok := c.cachedValue(ctx, flag); ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return def
}

func (c *Client) StringVariation(ctx context.Context, flag, def string) string {
	if v, ok := c.cachedValue(ctx, flag); ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return def
}

func (c *Client) IntVariation(ctx context.Context, flag string, def int64) int64 {
	if v, ok := c.cachedValue(ctx, flag); ok {
		if i, ok := v.AsInt(); ok {
			return i
		}
	}
	return def
}

// ObjectVariation returns the cached object value of flag, or def.
func (c *Client) ObjectVariation(ctx context.Context, flag string, def map[string]Value) map[string]Value {
	if v, ok := c.cachedValue(ctx, flag); ok {
		if obj, ok := v.AsObject(); ok {
			return obj
		}
	}
	return def
}

// Close ends the session. A store passed with WithStore is left open. It is
// safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ctrl, transport := c.ctrl, c.transport
	c.ctrl, c.transport, c.repo = nil, nil, nil
	c.mu.Unlock()

	stopSession(ctrl, transport)
	return nil
}
