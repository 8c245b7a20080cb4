package network

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

const waitTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func expectTransition(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("transition = %q, want %q", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestManualReportsChangesOnly(t *testing.T) {
	m := NewManual(StatusUnknown)
	events := make(chan string, 8)
	stop := m.Start(func() { events <- "up" }, func() { events <- "down" })

	m.Set(true)
	m.Set(true)
	m.Set(false)
	expectTransition(t, events, "up")
	expectTransition(t, events, "down")
	if got := m.Status(); got != StatusUnreachable {
		t.Fatalf("Status() = %v, want unreachable", got)
	}

	stop()
	stop()
	m.Set(true)
	select {
	case ev := <-events:
		t.Fatalf("callback %q after stop", ev)
	default:
	}
	if got := m.Status(); got != StatusReachable {
		t.Fatalf("Status() = %v, want reachable", got)
	}
}

func TestPingerReportsTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: &http.Transport{}}
	defer hc.CloseIdleConnections()

	clk := testclock.NewClock(time.Now())
	p := NewPinger(srv.URL, WithClock(clk), WithInterval(time.Minute), WithHTTPClient(hc))
	if got := p.Status(); got != StatusUnknown {
		t.Fatalf("Status() before start = %v, want unknown", got)
	}

	events := make(chan string, 8)
	stop := p.Start(func() { events <- "up" }, func() { events <- "down" })
	defer stop()

	expectTransition(t, events, "up")
	if got := p.Status(); got != StatusReachable {
		t.Fatalf("Status() = %v, want reachable", got)
	}

	up.Store(false)
	if err := clk.WaitAdvance(time.Minute, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance() error = %v", err)
	}
	expectTransition(t, events, "down")

	up.Store(true)
	if err := clk.WaitAdvance(time.Minute, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance() error = %v", err)
	}
	expectTransition(t, events, "up")

	if err := clk.WaitAdvance(time.Minute, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance() error = %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected transition %q without a status change", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPingerStopIsIdempotent(t *testing.T) {
	p := NewPinger("http://127.0.0.1:1", WithClock(testclock.NewClock(time.Now())))
	stop := p.Start(nil, nil)
	stop()
	stop()
}
