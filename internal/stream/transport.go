// Package stream is a server-sent events client for the authority's change
// feed.
//
// A [Transport] owns at most one connection at a time. Callbacks are only
// delivered for the current connection: once Disconnect or a new Connect has
// been called, nothing from an older connection reaches the handlers.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/remote"
)

// AnyEvent registers a listener for every named event that has no listener of
// its own.
const AnyEvent = "*"

// Handler receives one event. data is nil for heartbeats.
type Handler func(id, event string, data []byte)

type Config struct {
	// URL is the full stream endpoint, environment included.
	URL   string
	Token string
	// HTTPClient must not set a Timeout; the connection is long-lived.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type readyState int

const (
	stateClosed readyState = iota
	stateConnecting
	stateOpen
)

// Transport is safe for concurrent use. Handlers run on the connection's
// reader goroutine and must not call Connect or Disconnect.
type Transport struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	// deliverMu is held while a handler runs so Disconnect can fence off
	// in-flight callbacks.
	deliverMu sync.Mutex

	mu         sync.Mutex
	state      readyState
	epoch      uint64
	cancel     context.CancelFunc
	done       chan struct{}
	onOpen     func()
	onComplete func(statusCode int, retryable bool, err error)
	onMessage  Handler
	listeners  map[string]Handler
}

func New(cfg Config) *Transport {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: hc,
		logger:     logger.With("component", "stream"),
		listeners:  make(map[string]Handler),
	}
}

func (t *Transport) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnComplete is called when the server ends the stream or the connection
// fails. It is not called after Disconnect.
func (t *Transport) OnComplete(fn func(statusCode int, retryable bool, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// OnMessage receives unnamed events, events named "message", and heartbeats.
func (t *Transport) OnMessage(fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// AddEventListener registers fn for events named name, replacing any earlier
// listener for the same name. Use [AnyEvent] to catch every named event.
func (t *Transport) AddEventListener(name string, fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[name] = fn
}

// Ready reports whether a connection is open or being opened.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != stateClosed
}

// Connect opens the stream, resuming after lastEventID when it is non-empty.
// It is a no-op while the transport is ready.
func (t *Transport) Connect(lastEventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateClosed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.epoch++
	t.state = stateConnecting
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, t.epoch, lastEventID, t.done)
}

// Disconnect drops the current connection without waiting for its reader to
// exit. Calling it on a closed transport is a no-op.
func (t *Transport) Disconnect() {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectLocked()
}

// Close disconnects and waits for the reader goroutine to exit.
func (t *Transport) Close() error {
	t.deliverMu.Lock()
	t.mu.Lock()
	done := t.done
	t.disconnectLocked()
	t.mu.Unlock()
	t.deliverMu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

func (t *Transport) disconnectLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.state != stateClosed {
		t.epoch++
		t.state = stateClosed
	}
}

func (t *Transport) run(ctx context.Context, epoch uint64, lastEventID string, done chan struct{}) {
	defer close(done)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.complete(epoch, 0, false, fmt.Errorf("%w: create request: %v", core.ErrStream, err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.complete(epoch, 0, true, fmt.Errorf("%w: %w: %w", core.ErrStream, core.ErrNetwork, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		apiErr := &remote.APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		t.complete(epoch, resp.StatusCode, retryable(resp.StatusCode), fmt.Errorf("%w: %w", core.ErrStream, apiErr))
		return
	}

	if !t.markOpen(epoch) {
		return
	}
	t.logger.Debug("stream opened", "url", t.url, "last_event_id", lastEventID)
	t.mu.Lock()
	onOpen := t.onOpen
	t.mu.Unlock()
	if onOpen != nil {
		t.deliver(epoch, onOpen)
	}

	br := bufio.NewReaderSize(resp.Body, 1<<20)
	err = readEvents(ctx, br, func(f frame) { t.dispatch(epoch, f) })
	if ctx.Err() != nil {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		t.complete(epoch, resp.StatusCode, true, fmt.Errorf("%w: %w: %w", core.ErrStream, core.ErrNetwork, err))
		return
	}
	t.complete(epoch, resp.StatusCode, true, nil)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (t *Transport) markOpen(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return false
	}
	t.state = stateOpen
	return true
}

// deliver runs fn if epoch is still the current connection.
func (t *Transport) deliver(epoch uint64, fn func()) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	current := t.epoch == epoch
	t.mu.Unlock()
	if current {
		fn()
	}
}

func (t *Transport) dispatch(epoch uint64, f frame) {
	t.mu.Lock()
	handler := t.onMessage
	if !f.Heartbeat && f.Event != "" && f.Event != core.HeartbeatEvent {
		handler = t.listeners[f.Event]
		if handler == nil {
			handler = t.listeners[AnyEvent]
		}
	}
	t.mu.Unlock()

	if handler == nil {
		return
	}
	var data []byte
	if !f.Heartbeat {
		data = f.Data
	}
	t.deliver(epoch, func() { handler(f.ID, f.Event, data) })
}

func (t *Transport) complete(epoch uint64, statusCode int, retry bool, err error) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	t.state = stateClosed
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	onComplete := t.onComplete
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("stream completed with error", "status", statusCode, "retryable", retry, "error", err)
	} else {
		t.logger.Debug("stream completed", "status", statusCode)
	}
	if onComplete != nil {
		onComplete(statusCode, retry, err)
	}
}
