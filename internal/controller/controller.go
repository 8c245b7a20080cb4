// Package controller drives the delivery mode of a sync session.
//
// A Controller owns the polling timer and the stream connection and decides,
// from subscription state, reachability and configuration, which of the two is
// active. All of its state lives on a single event-loop goroutine: timer ticks,
// stream callbacks, reachability changes and public calls are posted to that
// loop and handled one at a time. The timer and the stream are never active
// together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/looplab/fsm"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/network"
	"github.com/matt-riley/flagsync/internal/stream"
)

// Mode is the delivery mode of a session.
type Mode string

const (
	ModeOffline   Mode = "offline"
	ModePolling   Mode = "polling"
	ModeStreaming Mode = "streaming"
)

const (
	eventGoOffline = "go_offline"
	eventPoll      = "poll"
	eventStream    = "stream"
)

const (
	DefaultPollingInterval = 60 * time.Second
	DefaultRequestTimeout  = 30 * time.Second

	eventBuffer = 64
)

var (
	ErrClosed     = errors.New("controller is closed")
	ErrSubscribed = errors.New("already subscribed")
)

// Repository is the evaluation source the controller refreshes from.
type Repository interface {
	FetchAll(ctx context.Context) ([]core.Evaluation, error)
	FetchOne(ctx context.Context, flag string) (core.Evaluation, error)
	Cached(ctx context.Context) ([]core.Evaluation, error)
}

// Transport is the stream connection. Connect must be a no-op while Ready
// reports true, and Disconnect must not invoke the completion callback.
type Transport interface {
	OnOpen(fn func())
	OnComplete(fn func(statusCode int, retryable bool, err error))
	OnMessage(fn stream.Handler)
	AddEventListener(name string, fn stream.Handler)
	Connect(lastEventID string)
	Disconnect()
	Ready() bool
}

type Config struct {
	PollingInterval time.Duration
	RequestTimeout  time.Duration
	StreamEnabled   bool
}

// Status is a point-in-time view of the controller, refreshed after every
// handled trigger.
type Status struct {
	Mode          Mode
	Subscribed    bool
	Reachable     bool
	StreamEnabled bool
	TimerActive   bool
	StreamReady   bool
	LastEventID   string
}

type Option func(*Controller)

// WithTransport enables streaming. Without a transport the controller only
// polls.
func WithTransport(t Transport) Option {
	return func(c *Controller) { c.transport = t }
}

func WithMonitor(m network.Monitor) Option {
	return func(c *Controller) { c.monitor = m }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

type subscription struct {
	out    chan Event
	events eventSet
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) cancel() {
	s.once.Do(func() { close(s.done) })
}

type Controller struct {
	repo      Repository
	transport Transport
	monitor   network.Monitor
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	interval       time.Duration
	requestTimeout time.Duration

	// Owned by the loop goroutine.
	machine       *fsm.FSM
	streamEnabled bool
	reachable     bool
	timer         clock.Timer
	timerC        <-chan time.Time
	lastEventID   string
	stopMonitor   func()

	qmu    sync.Mutex
	queue  []func(context.Context)
	closed bool
	sub    *subscription // written by the loop under qmu

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	statusMu sync.Mutex
	status   Status
}

// New starts a controller in offline mode. Nothing is fetched or connected
// until Subscribe is called.
func New(repo Repository, cfg Config, opts ...Option) (*Controller, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	c := &Controller{
		repo:           repo,
		clock:          clock.WallClock,
		logger:         slog.Default(),
		interval:       cfg.PollingInterval,
		requestTimeout: cfg.RequestTimeout,
		streamEnabled:  cfg.StreamEnabled,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		c.interval = DefaultPollingInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.monitor == nil {
		c.monitor = network.NewManual(network.StatusReachable)
	}
	c.logger = c.logger.With("component", "controller")

	all := []string{string(ModeOffline), string(ModePolling), string(ModeStreaming)}
	c.machine = fsm.NewFSM(
		string(ModeOffline),
		fsm.Events{
			{Name: eventGoOffline, Src: all, Dst: string(ModeOffline)},
			{Name: eventPoll, Src: all, Dst: string(ModePolling)},
			{Name: eventStream, Src: all, Dst: string(ModeStreaming)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.metrics.RecordModeTransition(e.Src, e.Dst)
				c.logger.Info("delivery mode changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)

	c.bindTransport()
	c.publishStatus()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)

	return c, nil
}

// Subscribe starts delivery and returns the event channel. events names the
// stream events that trigger a flag refresh; none, or AllEvents, selects every
// named event. The cached collection, if any, is published first as a
// snapshot.
//
// The channel is closed by Unsubscribe or Close. If ctx ends before Subscribe
// returns, the subscription is rolled back.
func (c *Controller) Subscribe(ctx context.Context, events ...string) (<-chan Event, error) {
	set, err := newEventSet(events)
	if err != nil {
		return nil, err
	}

	var (
		out     <-chan Event
		created *subscription // loop-owned
	)
	err = c.call(ctx, func(loopCtx context.Context) error {
		if c.sub != nil {
			return ErrSubscribed
		}
		if c.streamEnabled && c.transport == nil {
			return fmt.Errorf("%w: streaming is enabled but no transport is configured", core.ErrStream)
		}

		sub := &subscription{
			out:    make(chan Event, eventBuffer),
			events: set,
			done:   make(chan struct{}),
		}
		c.qmu.Lock()
		c.sub = sub
		c.qmu.Unlock()
		created = sub
		out = sub.out

		if c.transport != nil {
			for _, name := range set.names() {
				c.transport.AddEventListener(name, c.onStreamEvent)
			}
		}

		reqCtx, cancel := context.WithTimeout(loopCtx, c.requestTimeout)
		cached, err := c.repo.Cached(reqCtx)
		cancel()
		if err != nil {
			c.logger.Debug("no cached snapshot", "error", err)
		} else {
			c.emit(loopCtx, Event{Kind: KindSnapshot, Evaluations: cached})
		}

		c.reachable = c.monitor.Status() != network.StatusUnreachable
		c.stopMonitor = c.monitor.Start(
			func() { c.post(c.onReachable) },
			func() { c.post(c.onUnreachable) },
		)
		c.start(loopCtx)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// The task may still complete after the caller gave up.
			c.post(func(loopCtx context.Context) {
				if created != nil {
					created.cancel()
					c.unsubscribe(loopCtx, created)
				}
			})
		}
		return nil, err
	}
	return out, nil
}

// Unsubscribe stops delivery: the controller goes offline, the network
// monitor is stopped and the event channel is closed. It does not wait for
// the loop and is safe to call from the goroutine reading the channel.
func (c *Controller) Unsubscribe() {
	c.qmu.Lock()
	sub := c.sub
	c.qmu.Unlock()
	if sub == nil {
		return
	}
	sub.cancel()
	c.post(func(ctx context.Context) { c.unsubscribe(ctx, sub) })
}

// SetStreamingEnabled switches between streaming and polling for the running
// subscription and for future ones.
func (c *Controller) SetStreamingEnabled(enabled bool) {
	c.post(func(ctx context.Context) {
		if c.streamEnabled == enabled {
			return
		}
		c.streamEnabled = enabled
		if enabled && c.transport == nil {
			c.logger.Warn("streaming enabled without a transport, staying on polling")
		}
		c.resume(ctx)
	})
}

func (c *Controller) Mode() Mode {
	return c.Status().Mode
}

func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Close stops the loop, the timer, the stream and the monitor, closes the
// event channel and waits for the loop to exit. It is safe to call twice.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.qmu.Lock()
		c.closed = true
		sub := c.sub
		c.qmu.Unlock()
		if sub != nil {
			sub.cancel()
		}
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *Controller) bindTransport() {
	if c.transport == nil {
		return
	}
	c.transport.OnOpen(func() {
		c.post(c.onOpened)
	})
	c.transport.OnComplete(func(statusCode int, retryable bool, err error) {
		c.post(func(ctx context.Context) { c.onCompleted(ctx, statusCode, retryable, err) })
	})
	c.transport.OnMessage(func(_, _ string, data []byte) {
		c.post(func(ctx context.Context) { c.onMessage(ctx, data) })
	})
}

// onStreamEvent is registered for every event name a subscriber asks for.
func (c *Controller) onStreamEvent(_, event string, data []byte) {
	c.post(func(ctx context.Context) { c.onFlagEvent(ctx, event, data) })
}

// post queues task for the loop. It never blocks and reports false once the
// controller is closed.
func (c *Controller) post(task func(context.Context)) bool {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, task)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs task on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, task func(context.Context) error) error {
	result := make(chan error, 1)
	ok := c.post(func(loopCtx context.Context) {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- task(loopCtx)
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) takeQueue() []func(context.Context) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	tasks := c.queue
	c.queue = nil
	return tasks
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
			for _, task := range c.takeQueue() {
				if ctx.Err() != nil {
					break
				}
				task(ctx)
			}
		case <-c.timerC:
			c.onTick(ctx)
		}
		c.publishStatus()
	}
}

func (c *Controller) shutdown() {
	ctx := context.Background()
	c.transition(ctx, eventGoOffline)
	if c.sub != nil {
		c.unsubscribe(ctx, c.sub)
	}
	c.publishStatus()
	c.logger.Debug("controller stopped")
}

func (c *Controller) unsubscribe(ctx context.Context, sub *subscription) {
	if c.sub != sub {
		return
	}
	c.transition(ctx, eventGoOffline)
	if c.stopMonitor != nil {
		c.stopMonitor()
		c.stopMonitor = nil
	}
	c.qmu.Lock()
	c.sub = nil
	c.qmu.Unlock()
	close(sub.out)
	c.logger.Info("unsubscribed")
}

// start applies the subscribe rule. Polling starts whatever the reachability,
// with ticks answered from the cache while the authority is down; streaming
// waits until the network is reachable.
func (c *Controller) start(ctx context.Context) {
	if !c.reachable && !(c.streamEnabled && c.transport != nil) {
		c.transition(ctx, eventPoll)
		return
	}
	c.resume(ctx)
}

// resume applies the subscribe rule: stream when enabled and possible, poll
// otherwise. It does nothing while unsubscribed or unreachable.
func (c *Controller) resume(ctx context.Context) {
	if c.sub == nil || !c.reachable {
		return
	}
	if c.streamEnabled && c.transport != nil {
		c.transition(ctx, eventStream)
		return
	}
	c.transition(ctx, eventPoll)
}

// transition fires event on the state machine and then enforces the resource
// invariant of the resulting mode, whether or not the mode changed.
func (c *Controller) transition(ctx context.Context, event string) {
	if err := c.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.logger.Error("mode transition failed", "event", event, "error", err)
		}
	}
	c.apply(c.mode())
}

func (c *Controller) apply(mode Mode) {
	switch mode {
	case ModeOffline:
		c.stopTimer()
		c.disconnect()
	case ModePolling:
		c.disconnect()
		c.startTimer()
	case ModeStreaming:
		c.stopTimer()
		c.connect()
	}
}

func (c *Controller) mode() Mode {
	return Mode(c.machine.Current())
}

func (c *Controller) startTimer() {
	if c.timer != nil {
		return
	}
	c.timer = c.clock.NewTimer(c.interval)
	c.timerC = c.timer.Chan()
}

// stopTimer drops the timer and its channel so a tick that already fired can
// never be observed.
func (c *Controller) stopTimer() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.timerC = nil
}

func (c *Controller) connect() {
	if c.transport == nil || c.transport.Ready() {
		return
	}
	c.logger.Debug("connecting stream", "last_event_id", c.lastEventID)
	c.transport.Connect(c.lastEventID)
}

func (c *Controller) disconnect() {
	if c.transport == nil {
		return
	}
	c.transport.Disconnect()
}

func (c *Controller) emit(ctx context.Context, ev Event) {
	sub := c.sub
	if sub == nil {
		return
	}
	c.metrics.RecordSyncEvent(ev.Kind.String())
	select {
	case sub.out <- ev:
	case <-sub.done:
	case <-ctx.Done():
	}
}

func (c *Controller) fetchAll(ctx context.Context) ([]core.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	return c.repo.FetchAll(ctx)
}

func (c *Controller) fetchOne(ctx context.Context, flag string) (core.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	return c.repo.FetchOne(ctx, flag)
}

func (c *Controller) onTick(ctx context.Context) {
	c.metrics.IncPolls()
	c.timer.Reset(c.interval)

	if c.sub == nil {
		return
	}
	if c.streamEnabled && c.reachable && c.transport != nil {
		c.transition(ctx, eventStream)
		return
	}

	evals, err := c.fetchAll(ctx)
	c.emit(ctx, Event{Kind: KindSnapshot, Evaluations: evals, Err: err})
}

func (c *Controller) onReachable(ctx context.Context) {
	c.logger.Info("network reachable")
	c.reachable = true
	c.resume(ctx)
}

func (c *Controller) onUnreachable(ctx context.Context) {
	c.logger.Info("network unreachable")
	c.reachable = false
	c.transition(ctx, eventGoOffline)
}

func (c *Controller) onOpened(ctx context.Context) {
	c.metrics.RecordStreamEvent("open")
	if c.sub == nil || c.mode() == ModeOffline || c.transport == nil || !c.transport.Ready() {
		c.logger.Debug("ignoring stream open", "mode", c.mode())
		return
	}

	c.transition(ctx, eventStream)
	evals, err := c.fetchAll(ctx)
	c.emit(ctx, Event{Kind: KindSnapshot, Evaluations: evals, Err: err})
	c.emit(ctx, Event{Kind: KindOpened})
}

func (c *Controller) onCompleted(ctx context.Context, statusCode int, retryable bool, err error) {
	c.metrics.RecordStreamEvent("complete")
	if c.sub == nil {
		return
	}
	c.logger.Info("stream completed", "status", statusCode, "retryable", retryable, "error", err)

	c.emit(ctx, Event{Kind: KindCompleted, Err: err})
	if c.mode() == ModeStreaming {
		c.transition(ctx, eventPoll)
	}
}

func (c *Controller) onMessage(ctx context.Context, data []byte) {
	c.metrics.RecordStreamEvent("message")
	if c.sub == nil || c.mode() != ModeStreaming {
		return
	}

	if data == nil {
		msg := core.HeartbeatMessage()
		c.emit(ctx, Event{Kind: KindMessage, Message: &msg})
		return
	}
	msg, err := core.ParseMessage(data)
	if err != nil {
		c.emit(ctx, Event{Kind: KindMessage, Err: err})
		return
	}
	c.emit(ctx, Event{Kind: KindMessage, Message: &msg})
}

func (c *Controller) onFlagEvent(ctx context.Context, event string, data []byte) {
	c.metrics.RecordStreamEvent("event")
	if c.sub == nil || c.mode() != ModeStreaming || !c.sub.events.listens(event) {
		return
	}

	if data == nil {
		c.emit(ctx, Event{Kind: KindFlagUpdated, Err: fmt.Errorf("%w: event %q has no payload", core.ErrNoData, event)})
		return
	}
	msg, err := core.ParseMessage(data)
	if err != nil {
		c.emit(ctx, Event{Kind: KindFlagUpdated, Err: err})
		return
	}

	if msg.Event != "" {
		c.lastEventID = msg.Event
	}
	if msg.Identifier == "" {
		c.emit(ctx, Event{Kind: KindFlagUpdated, Err: fmt.Errorf("%w: event %q names no flag", core.ErrNoData, event)})
		return
	}
	eval, err := c.fetchOne(ctx, msg.Identifier)
	if err != nil && eval.Flag == "" {
		c.emit(ctx, Event{Kind: KindFlagUpdated, Err: err})
		return
	}
	c.emit(ctx, Event{Kind: KindFlagUpdated, Evaluation: &eval, Err: err})
}

func (c *Controller) publishStatus() {
	st := Status{
		Mode:          c.mode(),
		Subscribed:    c.sub != nil,
		Reachable:     c.reachable,
		StreamEnabled: c.streamEnabled,
		TimerActive:   c.timer != nil,
		StreamReady:   c.transport != nil && c.transport.Ready(),
		LastEventID:   c.lastEventID,
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
