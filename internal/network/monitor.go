// Package network reports whether the flag authority is reachable.
package network

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusReachable
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "reachable"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Monitor emits reachability transitions. Callbacks fire only when the status
// changes and must not block.
type Monitor interface {
	Start(onReachable, onUnreachable func()) (stop func())
	Status() Status
}

// Manual is a [Monitor] driven by the embedding application, for platforms
// that already observe connectivity.
type Manual struct {
	mu            sync.Mutex
	status        Status
	onReachable   func()
	onUnreachable func()
}

func NewManual(initial Status) *Manual {
	return &Manual{status: initial}
}

func (m *Manual) Start(onReachable, onUnreachable func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReachable, m.onUnreachable = onReachable, onUnreachable

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.onReachable, m.onUnreachable = nil, nil
		})
	}
}

func (m *Manual) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Set records the current reachability and notifies the watcher on change.
func (m *Manual) Set(reachable bool) {
	next := StatusUnreachable
	if reachable {
		next = StatusReachable
	}

	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	cb := m.onUnreachable
	if reachable {
		cb = m.onReachable
	}
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
}

const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// Pinger is a [Monitor] that issues an HTTP GET against a URL on a fixed
// interval. Any HTTP response counts as reachable; transport errors count as
// unreachable.
type Pinger struct {
	url      string
	client   *http.Client
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

type PingerOption func(*Pinger)

func WithClock(c clock.Clock) PingerOption {
	return func(p *Pinger) { p.clock = c }
}

func WithInterval(d time.Duration) PingerOption {
	return func(p *Pinger) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithHTTPClient(c *http.Client) PingerOption {
	return func(p *Pinger) { p.client = c }
}

func WithLogger(l *slog.Logger) PingerOption {
	return func(p *Pinger) { p.logger = l }
}

func NewPinger(url string, opts ...PingerOption) *Pinger {
	p := &Pinger{
		url:      url,
		client:   http.DefaultClient,
		clock:    clock.WallClock,
		interval: defaultPingInterval,
		timeout:  defaultPingTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "network")
	return p
}

func (p *Pinger) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Start pings immediately and then once per interval until stop is called.
// stop waits for the ping goroutine to exit.
func (p *Pinger) Start(onReachable, onUnreachable func()) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			reachable := p.ping(ctx)
			if ctx.Err() != nil {
				return
			}
			p.report(reachable, onReachable, onUnreachable)
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(p.interval):
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *Pinger) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("build ping request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("ping failed", "url", p.url, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return true
}

func (p *Pinger) report(reachable bool, onReachable, onUnreachable func()) {
	next := StatusUnreachable
	if reachable {
		next = StatusReachable
	}

	p.mu.Lock()
	changed := p.status != next
	p.status = next
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info("network status changed", "status", next.String())
	if reachable {
		if onReachable != nil {
			onReachable()
		}
	} else if onUnreachable != nil {
		onUnreachable()
	}
}
