// Package transport provides the messaging core shared by all broker backends:
// a bootstrap handshake, a single-goroutine poll/tick read loop and a
// mutex-guarded publisher, all layered over a broker-specific Conn.
//
// Backends (channel, nats, redis, kafka) implement Conn and should import this
// package rather than the parent cepstream package to avoid import cycles.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNotBootstrapped = errors.New("transport not bootstrapped")
	ErrAlreadyRunning  = errors.New("read loop already running")
	ErrConnRequired    = errors.New("conn is required")
)

// Hooks is the capability the read loop drives. OnMessage is called once per
// inbound frame and OnTick once per elapsed tick interval, both on the loop
// goroutine.
type Hooks interface {
	OnMessage(f Frame)
	OnTick()
}

// HooksFunc adapts two functions to Hooks. Nil functions are skipped.
type HooksFunc struct {
	Message func(Frame)
	Tick    func()
}

// OnMessage implements Hooks
func (h HooksFunc) OnMessage(f Frame) {
	if h.Message != nil {
		h.Message(f)
	}
}

// OnTick implements Hooks
func (h HooksFunc) OnTick() {
	if h.Tick != nil {
		h.Tick()
	}
}

// Transport owns a Conn and the timing of its read loop.
//
// Only the goroutine running Run reads the inbound channel. Publish may be
// called from any goroutine; sends are serialized by an internal mutex.
type Transport struct {
	status       int32
	bootstrapped atomic.Bool
	looping      atomic.Bool
	replies      atomic.Int64
	id           string
	conn         Conn
	done         chan struct{}

	sendMu sync.Mutex

	prefixMu sync.Mutex
	prefixes map[string]struct{}

	clock            clock.Clock
	interval         time.Duration
	snapshotRequest  []byte
	snapshotFinished []byte
	logger           *slog.Logger
	onError          func(error)

	sendFailures metric.Int64Counter
}

// New creates a transport over an already connected Conn.
func New(conn Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	o := newOptions(opts...)

	meter := otel.Meter("cepstream.transport")
	sendFailures, _ := meter.Int64Counter("cepstream.transport.send_failed",
		metric.WithDescription("Number of outbound frames dropped after a send failure"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:           1,
		id:               NewID(),
		conn:             conn,
		done:             make(chan struct{}),
		prefixes:         make(map[string]struct{}),
		clock:            o.clock,
		interval:         o.tickInterval,
		snapshotRequest:  o.snapshotRequest,
		snapshotFinished: o.snapshotFinished,
		logger:           o.logger,
		onError:          o.onError,
		sendFailures:     sendFailures,
	}, nil
}

// ID returns the transport instance identifier
func (t *Transport) ID() string {
	return t.id
}

// TickInterval returns the configured heartbeat interval
func (t *Transport) TickInterval() time.Duration {
	return t.interval
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Running reports whether the transport is open.
func (t *Transport) Running() bool {
	return t.isOpen()
}

// Bootstrap performs the one-shot snapshot handshake: it sends the snapshot
// request on the bootstrap channel, then consumes replies until one equals the
// finished sentinel or the channel reports end-of-stream.
//
// No timeout is applied here; a peer that never answers blocks until ctx is
// cancelled.
func (t *Transport) Bootstrap(ctx context.Context) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	stream, err := t.conn.Snapshot(ctx, t.snapshotRequest)
	if err != nil {
		return &ChannelError{Op: OpSend, Channel: ChannelBootstrap, Err: err}
	}
	defer stream.Close()

	replies := 0
	for {
		reply, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			t.logger.Debug("snapshot stream ended", "replies", replies)
			break
		}
		if err != nil {
			return &ChannelError{Op: OpRecv, Channel: ChannelBootstrap, Err: err}
		}
		if bytes.Equal(reply, t.snapshotFinished) {
			t.logger.Debug("received snapshot", "replies", replies)
			break
		}
		replies++
		t.logger.Debug("snapshot reply", "reply", string(reply))
	}

	t.replies.Store(int64(replies))
	t.bootstrapped.Store(true)
	return nil
}

// SnapshotReplies returns the number of non-sentinel replies consumed by the
// last successful Bootstrap.
func (t *Transport) SnapshotReplies() int64 {
	return t.replies.Load()
}

// Run drives the read loop until the transport is closed, ctx is done, or the
// inbound channel fails. Ticks are purely time driven: message arrival never
// moves the deadline. After each tick the deadline advances by exactly one
// interval; if the loop has fallen a full interval behind (slow hooks) the
// deadline is rebased on the current time so ticks never burst.
//
// A fatal inbound error closes the transport and is returned as a
// *ChannelError. Stop requests return nil.
func (t *Transport) Run(ctx context.Context, hooks Hooks) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}
	if !t.bootstrapped.Load() {
		return ErrNotBootstrapped
	}
	if !t.looping.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.looping.Store(false)

	inbound := t.conn.Inbound()
	errs := t.conn.Errors()
	deadline := t.clock.Now().Add(t.interval)

	t.logger.Debug("receiving messages", "tick_interval", t.interval)

	for {
		if !t.isOpen() || ctx.Err() != nil {
			t.logger.Debug("read loop interrupted")
			return nil
		}

		var timer *clock.Timer
		timeout := expired
		if remaining := deadline.Sub(t.clock.Now()); remaining > 0 {
			timer = t.clock.Timer(remaining)
			timeout = timer.C
		}

		var fatal error
		select {
		case f, ok := <-inbound:
			if ok {
				hooks.OnMessage(f)
			} else if t.isOpen() {
				fatal = io.EOF
			}
		case err := <-errs:
			fatal = err
		case <-timeout:
		case <-ctx.Done():
		case <-t.done:
		}
		if timer != nil {
			timer.Stop()
		}

		if fatal != nil {
			t.logger.Error("inbound channel failed", "error", fatal)
			t.onError(fatal)
			t.Close(context.Background())
			return &ChannelError{Op: OpRecv, Channel: ChannelInbound, Err: fatal}
		}

		if now := t.clock.Now(); !now.Before(deadline) {
			hooks.OnTick()
			deadline = deadline.Add(t.interval)
			if !now.Before(deadline) {
				deadline = now.Add(t.interval)
			}
		}
	}
}

// Publish sends one two-frame message (topic, payload) on the outbound
// channel. Safe for concurrent use. A failed send is reported and the frame
// is dropped.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	t.sendMu.Lock()
	err := t.conn.Send(ctx, Frame{Topic: topic, Payload: payload})
	t.sendMu.Unlock()

	if err != nil {
		if t.sendFailures != nil {
			t.sendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		}
		t.onError(err)
		return &ChannelError{Op: OpSend, Channel: ChannelOutbound, Err: err}
	}
	return nil
}

// SubscribePrefix asks the broker to deliver topics starting with prefix.
// An empty prefix subscribes to everything. Repeated prefixes are ignored.
func (t *Transport) SubscribePrefix(prefix string) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	t.prefixMu.Lock()
	defer t.prefixMu.Unlock()

	if _, ok := t.prefixes[prefix]; ok {
		return nil
	}
	if err := t.conn.SubscribePrefix(prefix); err != nil {
		return &ChannelError{Op: OpSubscribe, Channel: ChannelInbound, Err: err}
	}
	t.prefixes[prefix] = struct{}{}

	if prefix == "" {
		t.logger.Info("subscribed to all topics")
	} else {
		t.logger.Info("subscribed to prefix", "prefix", prefix)
	}
	return nil
}

// Prefixes returns the number of distinct prefixes subscribed so far.
func (t *Transport) Prefixes() int {
	t.prefixMu.Lock()
	defer t.prefixMu.Unlock()
	return len(t.prefixes)
}

// Close stops the read loop and closes the Conn. Safe to call from any
// goroutine and more than once. Errors from an already broken Conn are
// logged, not returned.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	close(t.done)

	if err := t.conn.Close(); err != nil {
		t.logger.Warn("error closing conn", "error", err)
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health reports the transport state, including the Conn's own health when
// it implements HealthChecker.
func (t *Transport) Health(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"id":           t.id,
			"bootstrapped": t.bootstrapped.Load(),
			"looping":      t.looping.Load(),
			"prefixes":     t.Prefixes(),
		},
	}

	if !t.isOpen() {
		result.Status = HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	result.Status = HealthStatusHealthy
	result.Message = "transport is healthy"

	if hc, ok := t.conn.(HealthChecker); ok {
		connHealth := hc.Health(ctx)
		result.Components = map[string]*HealthCheckResult{"conn": connHealth}
		if connHealth != nil && !connHealth.IsHealthy() {
			result.Status = connHealth.Status
			result.Message = "conn is " + string(connHealth.Status)
		}
	}

	result.Latency = time.Since(start)
	return result
}

// expired is a closed channel used as an already-elapsed timeout.
var expired = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
