package middleware

import (
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default budget of failed attempts per
	// client.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of tracked clients.
	DefaultMaxTrackedClients = 10000

	staleThreshold = 5 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FailureLimiter tracks failed authentication attempts per client address.
// A client with no recorded failures is always allowed. Entries idle for
// longer than five minutes are dropped on the next recorded failure.
type FailureLimiter struct {
	clock      clock.Clock
	perMinute  int
	maxTracked int

	mu        sync.Mutex
	entries   map[string]*clientEntry
	lastSweep time.Time
}

// NewFailureLimiter returns a limiter allowing perMinute failures per client
// per minute, with the same burst. Pass 0 for DefaultMaxFailuresPerMinute and
// a nil clock for the wall clock.
func NewFailureLimiter(clk clock.Clock, perMinute int) *FailureLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	if perMinute <= 0 {
		perMinute = DefaultMaxFailuresPerMinute
	}
	return &FailureLimiter{
		clock:      clk,
		perMinute:  perMinute,
		maxTracked: DefaultMaxTrackedClients,
		entries:    make(map[string]*clientEntry),
		lastSweep:  clk.Now(),
	}
}

// Allow reports whether client may make another attempt without consuming
// any budget.
func (l *FailureLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[client]
	if !ok {
		return true
	}
	now := l.clock.Now()
	e.lastSeen = now
	return e.limiter.TokensAt(now) >= 1
}

// RecordFailure consumes one attempt from client's budget and reports whether
// the attempt was still within it.
func (l *FailureLimiter) RecordFailure(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) > staleThreshold {
		l.sweepLocked(now)
	}

	e, ok := l.entries[client]
	if !ok {
		if len(l.entries) >= l.maxTracked {
			l.evictOldestLocked()
		}
		e = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *FailureLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *FailureLimiter) sweepLocked(now time.Time) {
	for client, e := range l.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(l.entries, client)
		}
	}
	l.lastSweep = now
}

func (l *FailureLimiter) evictOldestLocked() {
	var oldest string
	var oldestTime time.Time
	first := true
	for client, e := range l.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldest = client
			oldestTime = e.lastSeen
			first = false
		}
	}
	if oldest != "" {
		delete(l.entries, oldest)
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
